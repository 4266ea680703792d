package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/catalog-cache/datalayer"
)

// Remote holds the flags for commands that talk to a running server.
type Remote struct {
	URL       string        `help:"Server base URL." default:"http://localhost:8080" env:"CATALOG_CACHE_URL"`
	AuthToken string        `help:"Bearer token for the server." env:"CATALOG_CACHE_AUTH_TOKEN"`
	Timeout   time.Duration `help:"Request timeout." default:"10s"`
}

func (r Remote) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(r.URL, "/")+path, nil)
	if err != nil {
		return err
	}
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HealthCmd prints the health of a running server.
type HealthCmd struct {
	Remote
}

// Run fails when the server's local store is unhealthy.
func (c *HealthCmd) Run(_ *Globals) error {
	var h datalayer.Health
	if err := c.get(context.Background(), "/health", &h); err != nil {
		return err
	}
	if err := printJSON(h); err != nil {
		return err
	}
	if !h.LocalStore {
		return fmt.Errorf("local store unavailable")
	}
	return nil
}

// StatsCmd prints cache statistics of a running server.
type StatsCmd struct {
	Remote
}

// Run prints the stats.
func (c *StatsCmd) Run(_ *Globals) error {
	var stats map[string]any
	if err := c.get(context.Background(), "/stats", &stats); err != nil {
		return err
	}
	return printJSON(stats)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
