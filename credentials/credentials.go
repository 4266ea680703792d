// Package credentials renders a JSON credentials template and parses it into
// the secrets the data layer needs. Templates can pull values from the
// environment, files and registered secret providers.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values. A nil section means that
// collaborator is not configured and the data layer runs on its fallbacks.
type Credentials struct {
	AuthToken string         `json:"auth_token,omitempty"`
	Catalog   *CatalogAuth   `json:"catalog,omitempty"`
	Vector    *VectorAuth    `json:"vector,omitempty"`
	APIKeys   []StoredAPIKey `json:"api_keys,omitempty"`
}

// CatalogAuth locates the remote framework catalog.
type CatalogAuth struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// VectorAuth locates the vector service.
type VectorAuth struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// StoredAPIKey is a third-party key to seal into the local store at startup.
type StoredAPIKey struct {
	Service string `json:"service"`
	Key     string `json:"key"`
}

// Validate checks that every present section is complete.
func (c *Credentials) Validate() error {
	if c.Catalog != nil {
		if c.Catalog.URL == "" || c.Catalog.APIKey == "" {
			return fmt.Errorf("catalog credentials need both url and api_key")
		}
		if err := checkURL(c.Catalog.URL); err != nil {
			return fmt.Errorf("catalog url: %w", err)
		}
	}
	if c.Vector != nil {
		if err := checkURL(c.Vector.BaseURL); err != nil {
			return fmt.Errorf("vector base_url: %w", err)
		}
	}
	for i, k := range c.APIKeys {
		if k.Service == "" || k.Key == "" {
			return fmt.Errorf("api_keys[%d]: service and key are required", i)
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) url", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	limited := io.LimitReader(reader, maxInputSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}

	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Build template function map with memoization cache.
	cache := make(map[string]string)
	funcMap := r.buildFuncMap(ctx, cache)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcMap).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}

	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	r.logger.Debug("resolved credentials",
		"catalog", creds.Catalog != nil,
		"vector", creds.Vector != nil,
		"api_keys", len(creds.APIKeys),
	)
	return &creds, nil
}

// buildFuncMap creates the template function map with built-in and provider functions.
func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	// Register provider functions.
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}

	return fm
}

// makeProviderFunc creates a memoized template function for a secret provider.
func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
