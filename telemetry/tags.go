// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// operationKey is the context key for propagating the operation to background goroutines.
	operationKey contextKey = "operation"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	// Operation is the facade operation served, e.g. "frameworks" or "search".
	Operation   string
	CacheResult CacheResult
	// Source is the fallback tier that produced the response.
	Source   string
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return tagsFromContext(r.Context())
}

func tagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetSource records which tier served the request. It works on any context
// derived from a tagged request, so deeper layers can call it without the
// *http.Request.
func SetSource(ctx context.Context, source string) {
	if tags := tagsFromContext(ctx); tags != nil {
		tags.Source = source
	}
}

// OperationFromContext retrieves the operation from a context.
// It checks both background contexts (set by WithOperationContext) and
// request contexts (set by SetOperation via InjectTags).
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	if tags := tagsFromContext(ctx); tags != nil {
		return tags.Operation
	}
	return ""
}

// WithOperationContext returns a context with the operation stored.
// Use this to propagate the operation into goroutines that outlive the request context.
func WithOperationContext(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}
