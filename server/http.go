// Package server exposes the data layer to the UI over HTTP.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/catalog-cache/datalayer"
	"github.com/wolfeidau/catalog-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP front end of the data layer.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	data       *datalayer.Service
	handler    http.Handler
}

// New creates a server over an existing data layer service.
func New(cfg Config, data *datalayer.Service) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		data:   data,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// route is one entry of the API. Public routes skip the bearer token check.
type route struct {
	pattern string
	handler http.HandlerFunc
	public  bool
}

func (s *Server) routes() []route {
	return []route{
		{pattern: "GET /health", handler: s.handleHealth, public: true},
		// 404 unless the Prometheus exporter is enabled
		{pattern: "GET /metrics", handler: telemetry.PrometheusHandler().ServeHTTP, public: true},
		{pattern: "GET /stats", handler: s.handleStats},

		{pattern: "GET /cache/{key}", handler: s.handleCacheGet},
		{pattern: "PUT /cache/{key}", handler: s.handleCacheSet},
		{pattern: "DELETE /cache/{key}", handler: s.handleCacheDelete},

		{pattern: "GET /frameworks/{tag}", handler: s.handleGetFrameworks},
		{pattern: "POST /frameworks", handler: s.handleStoreFrameworks},
		{pattern: "POST /frameworks/index", handler: s.handleIndexFrameworks},
		{pattern: "GET /search", handler: s.handleSearch},

		{pattern: "POST /embeddings", handler: s.handleStoreEmbeddings},
		{pattern: "GET /embeddings/search", handler: s.handleSearchEmbeddings},
		{pattern: "POST /embed", handler: s.handleEmbed},

		{pattern: "GET /secrets", handler: s.handleListSecrets},
		{pattern: "PUT /secrets/{service}", handler: s.handlePutSecret},
		{pattern: "GET /secrets/{service}", handler: s.handleGetSecret},
		{pattern: "DELETE /secrets/{service}", handler: s.handleDeleteSecret},

		{pattern: "GET /queries", handler: s.handleQueries},
		{pattern: "POST /sanitize", handler: s.handleSanitize},
		{pattern: "POST /archives/check", handler: s.handleCheckArchive},
	}
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	for _, rt := range s.routes() {
		var h http.Handler = rt.handler
		if !rt.public {
			h = s.requireToken(h)
		}
		mux.Handle(rt.pattern, h)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers and fallback chains can tag the request.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Source != "" {
			attrs = append(attrs, "source", tags.Source)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start initialises the data layer, starts cache maintenance and serves
// until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.data.Start(ctx); err != nil {
		return fmt.Errorf("starting data layer: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes the data layer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.data.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
