package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/catalog-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	remoteCallDuration   metric.Float64Histogram
	remoteCallsTotal     metric.Int64Counter
	remoteCallBytesTotal metric.Int64Counter
	fallbacksTotal       metric.Int64Counter

	cacheLookupsTotal       metric.Int64Counter
	cacheWriteSize          metric.Float64Histogram
	cacheRejectionsTotal    metric.Int64Counter
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	cacheEvictionDuration   metric.Float64Histogram
	cacheBytes              metric.Int64Gauge
	cacheEntries            metric.Int64Gauge
	cacheMaxSizeBytes       metric.Int64Gauge

	maintenanceRemovedTotal metric.Int64Counter
	maintenanceDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "catalog-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first error from a run of instrument constructors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if in.err == nil {
		in.err = err
	}
	return g
}

func (in *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if in.err == nil {
		in.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = []float64{128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		requestsTotal:           in.counter("catalog_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      in.counter("catalog_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         in.histogram("catalog_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets...),
		requestsByEndpointTotal: in.counter("catalog_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		remoteCallDuration:   in.histogram("catalog_cache_remote_call_duration_seconds", "Duration of calls to the remote catalog and vector services", "s", append(latencyBuckets, 20, 40)...),
		remoteCallsTotal:     in.counter("catalog_cache_remote_calls_total", "Total number of remote service calls", "{request}"),
		remoteCallBytesTotal: in.counter("catalog_cache_remote_call_bytes_total", "Total bytes read from remote services", "By"),
		fallbacksTotal:       in.counter("catalog_cache_fallbacks_total", "Operations served by each fallback tier", "{operation}"),

		cacheLookupsTotal:       in.counter("catalog_cache_cache_lookups_total", "Cache lookups by result", "{lookup}"),
		cacheWriteSize:          in.histogram("catalog_cache_cache_write_size_bytes", "Size of entries written to the cache", "By", sizeBuckets...),
		cacheRejectionsTotal:    in.counter("catalog_cache_cache_rejections_total", "Entries refused because they exceed the cache size", "{entry}"),
		cacheEvictionsTotal:     in.counter("catalog_cache_cache_evictions_total", "Total entries evicted to make space", "{entry}"),
		cacheEvictionBytesTotal: in.counter("catalog_cache_cache_eviction_bytes_total", "Total bytes freed by eviction", "By"),
		cacheEvictionDuration:   in.histogram("catalog_cache_cache_eviction_duration_seconds", "Duration of eviction runs", "s", latencyBuckets...),
		cacheBytes:              in.gauge("catalog_cache_cache_bytes", "Current bytes held by the cache", "By"),
		cacheEntries:            in.gauge("catalog_cache_cache_entries", "Current number of cache entries", "{entry}"),
		cacheMaxSizeBytes:       in.gauge("catalog_cache_cache_max_size_bytes", "Configured maximum cache size", "By"),

		maintenanceRemovedTotal: in.counter("catalog_cache_maintenance_removed_total", "Records removed by background maintenance", "{record}"),
		maintenanceDuration:     in.histogram("catalog_cache_maintenance_duration_seconds", "Duration of maintenance cycles", "s", append(latencyBuckets, 30)...),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {operation, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordRemoteCall records a call to the remote catalog or vector service.
func RecordRemoteCall(ctx context.Context, service, method string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteCallBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordFallback records which tier served an operation and tags the
// surrounding request, if any.
func RecordFallback(ctx context.Context, operation, source string) {
	SetSource(ctx, source)
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("source", source),
	}
	globalMetrics.fallbacksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", OperationFromContext(ctx)),
		attribute.String("result", string(result)),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheWrite records an entry written to the cache.
// overwrite reports whether the key already existed.
func RecordCacheWrite(ctx context.Context, size int64, overwrite bool) {
	if globalMetrics == nil {
		return
	}
	result := "new"
	if overwrite {
		result = "overwrite"
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", OperationFromContext(ctx)),
		attribute.String("result", result),
	}
	globalMetrics.cacheWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordCacheRejection records an entry refused admission.
func RecordCacheRejection(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRejectionsTotal.Add(ctx, 1)
}

// RecordCacheEviction records one eviction run.
func RecordCacheEviction(ctx context.Context, evicted int, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", OperationFromContext(ctx)))
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(evicted), attrs)
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes, attrs)
	globalMetrics.cacheEvictionDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateCacheState updates the cache gauges.
func UpdateCacheState(ctx context.Context, bytes int64, entries int, maxBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheBytes.Record(ctx, bytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheMaxSizeBytes.Record(ctx, maxBytes)
}

// RecordMaintenanceCycle records one maintenance cycle. kind is "ttl" or
// "queries".
func RecordMaintenanceCycle(ctx context.Context, kind string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	globalMetrics.maintenanceRemovedTotal.Add(ctx, int64(removed), attrs)
	globalMetrics.maintenanceDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
