// Command catalog-cache serves the framework catalog data layer over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/catalog"
	"github.com/wolfeidau/catalog-cache/credentials"
	"github.com/wolfeidau/catalog-cache/credentials/keyringprovider"
	"github.com/wolfeidau/catalog-cache/datalayer"
	"github.com/wolfeidau/catalog-cache/server"
	"github.com/wolfeidau/catalog-cache/telemetry"
	"github.com/wolfeidau/catalog-cache/vault"
	"github.com/wolfeidau/catalog-cache/vector"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"YAML configuration file."`
	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"CATALOG_CACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text" env:"CATALOG_CACHE_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

// Logger builds the process logger. Text output goes through tint.
func (g *Globals) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}

// CLI is the command line.
type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the HTTP API."`
	Health HealthCmd `cmd:"" help:"Query the health of a running server."`
	Stats  StatsCmd  `cmd:"" help:"Query the cache statistics of a running server."`
}

// ServeCmd runs the server.
type ServeCmd struct {
	Address   string `help:"Address to listen on." default:":8080" env:"CATALOG_CACHE_ADDRESS"`
	DataDir   string `help:"Directory holding the local database." default:"./data" env:"CATALOG_CACHE_DATA_DIR"`
	AuthToken string `help:"Bearer token required by the API." env:"CATALOG_CACHE_AUTH_TOKEN"`

	Credentials    string `help:"Credentials template file (JSON with template functions)." type:"existingfile" env:"CATALOG_CACHE_CREDENTIALS"`
	KeyringService string `help:"Keystore service used by the keyring template function and sealer." default:"catalog-cache"`
	KeyringSealer  bool   `help:"Seal stored API keys with a master key held in the platform keystore."`

	CatalogURL    string `help:"Remote catalog base URL." env:"CATALOG_URL"`
	CatalogAPIKey string `help:"Remote catalog API key." env:"CATALOG_API_KEY"`
	VectorURL     string `help:"Vector service base URL." env:"VECTOR_SERVICE_URL"`
	VectorAPIKey  string `help:"Vector service API key." env:"VECTOR_SERVICE_API_KEY"`
	Dimensions    int    `help:"Embedding dimensions." default:"384"`

	CacheMaxSize    int64         `help:"Maximum cache size in bytes." default:"524288000"`
	CacheMaxQueries int           `help:"Maximum recent queries kept." default:"1000"`
	CacheTTL        time.Duration `help:"Expire cache entries not read within this duration (0 disables)." default:"0s"`
	CheckInterval   time.Duration `help:"How often cache maintenance runs." default:"1h"`
	StaleAfter      time.Duration `help:"Age after which framework records are reported stale." default:"168h"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics."`
}

// Run starts the server and blocks until a signal arrives.
func (c *ServeCmd) Run(g *Globals) error {
	logger := g.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.OTLPEndpoint != "" || c.Prometheus {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	creds, err := c.resolveCredentials(ctx, logger)
	if err != nil {
		return err
	}

	var sealer vault.Sealer = vault.EmbeddedKeySealer{}
	if c.KeyringSealer {
		sealer = vault.NewKeyringSealer(c.KeyringService)
	}

	data := datalayer.New(c.dataConfig(creds), datalayer.WithLogger(logger), datalayer.WithSealer(sealer))
	if err := data.Init(ctx); err != nil {
		return err
	}
	for _, k := range creds.APIKeys {
		if err := data.StoreEncryptedAPIKey(ctx, k.Service, k.Key); err != nil {
			return fmt.Errorf("seeding api key: %w", err)
		}
	}

	authToken := c.AuthToken
	if creds.AuthToken != "" {
		authToken = creds.AuthToken
	}
	srv := server.New(server.Config{Address: c.Address, AuthToken: authToken, Logger: logger}, data)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("server started", "address", srv.Address(), "data_dir", c.DataDir, "version", version)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = data.Close()
		return err
	}
}

// resolveCredentials renders the credentials template, if any. Flags fill in
// whatever the template leaves out.
func (c *ServeCmd) resolveCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	creds := &credentials.Credentials{}
	if c.Credentials != "" {
		r := credentials.NewResolver(
			credentials.WithLogger(logger),
			keyringprovider.WithKeyring(c.KeyringService),
		)
		resolved, err := r.ResolveFile(ctx, c.Credentials)
		if err != nil {
			return nil, err
		}
		creds = resolved
	}

	if creds.Catalog == nil && c.CatalogURL != "" {
		creds.Catalog = &credentials.CatalogAuth{URL: c.CatalogURL, APIKey: c.CatalogAPIKey}
	}
	if creds.Vector == nil && c.VectorURL != "" {
		creds.Vector = &credentials.VectorAuth{BaseURL: c.VectorURL, APIKey: c.VectorAPIKey}
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

func (c *ServeCmd) dataConfig(creds *credentials.Credentials) datalayer.Config {
	cfg := datalayer.Config{
		DataDir: c.DataDir,
		Cache: cache.Config{
			MaxSize:       c.CacheMaxSize,
			MaxQueries:    c.CacheMaxQueries,
			TTL:           c.CacheTTL,
			CheckInterval: c.CheckInterval,
		},
		Vector:     vector.Config{Dimensions: c.Dimensions},
		StaleAfter: c.StaleAfter,
	}
	if creds.Catalog != nil {
		cfg.Catalog = catalog.Config{URL: creds.Catalog.URL, APIKey: creds.Catalog.APIKey}
	}
	if creds.Vector != nil {
		cfg.Vector.BaseURL = creds.Vector.BaseURL
		cfg.Vector.APIKey = creds.Vector.APIKey
	}
	return cfg
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("catalog-cache"),
		kong.Description("Framework catalog data layer with on-device cache and remote fallbacks."),
		kong.UsageOnError(),
		kong.Configuration(loadYAML, "/etc/catalog-cache/config.yaml", "~/.config/catalog-cache/config.yaml"),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
