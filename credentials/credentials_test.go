package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	input := `{"auth_token": {{ env "TEST_TOKEN" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AuthToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"auth_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	input := `{"auth_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AuthToken)
}

func TestResolveReader_EnvDefaultWithSetVar(t *testing.T) {
	t.Setenv("TEST_VAR", "actual")

	input := `{"auth_token": {{ envDefault "TEST_VAR" "fallback" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "actual", creds.AuthToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	err := os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600)
	require.NoError(t, err)

	input := `{"auth_token": {{ file "` + tmpFile + `" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.AuthToken)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"auth_token": {{ env "TEST_SPECIAL" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.AuthToken)
}

func TestResolveReader_MockProvider(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"auth_token": {{ mock "my-secret" | json }}}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-my-secret", creds.AuthToken)
	require.Equal(t, 1, callCount)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	// Same provider+ref used twice
	input := `{
		"auth_token": {{ mock "same-ref" | json }},
		"catalog": {"url": "https://catalog.example.com/rest/v1", "api_key": {{ mock "same-ref" | json }}}
	}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AuthToken)
	require.Equal(t, "resolved-same-ref", creds.Catalog.APIKey)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("CATALOG_KEY", "catalog-secret")
	t.Setenv("VECTOR_KEY", "vector-secret")
	t.Setenv("GITHUB_TOKEN", "ghp-secret")

	input := `{
		"auth_token": "inbound-token",
		"catalog": {
			"url": "https://catalog.example.com/rest/v1",
			"api_key": {{ env "CATALOG_KEY" | json }}
		},
		"vector": {
			"base_url": {{ envDefault "VECTOR_URL" "http://localhost:9000" | json }},
			"api_key": {{ env "VECTOR_KEY" | json }}
		},
		"api_keys": [
			{"service": "github", "key": {{ env "GITHUB_TOKEN" | json }}}
		]
	}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, "inbound-token", creds.AuthToken)

	require.NotNil(t, creds.Catalog)
	require.Equal(t, "https://catalog.example.com/rest/v1", creds.Catalog.URL)
	require.Equal(t, "catalog-secret", creds.Catalog.APIKey)

	require.NotNil(t, creds.Vector)
	require.Equal(t, "http://localhost:9000", creds.Vector.BaseURL)
	require.Equal(t, "vector-secret", creds.Vector.APIKey)

	require.Equal(t, []StoredAPIKey{{Service: "github", Key: "ghp-secret"}}, creds.APIKeys)
}

func TestResolveReader_InvalidSections(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"catalog without key", `{"catalog": {"url": "https://c.example.com"}}`, "need both url and api_key"},
		{"catalog bad scheme", `{"catalog": {"url": "ftp://c.example.com", "api_key": "k"}}`, "catalog url"},
		{"vector without host", `{"vector": {"base_url": "http://"}}`, "vector base_url"},
		{"api key without service", `{"api_keys": [{"key": "k"}]}`, "api_keys[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(tt.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	input := `{"auth_token": {{ .UndefinedKey }}}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	input := `not valid json`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	input := `{}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Nil(t, creds.Catalog)
	require.Nil(t, creds.Vector)
	require.Empty(t, creds.APIKeys)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	err := os.WriteFile(tmpFile, []byte(`{"auth_token": {{ env "TEST_TOKEN" | json }}}`), 0o600)
	require.NoError(t, err)

	r := NewResolver()
	creds, err := r.ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)
}

func TestResolveFile_NotFound(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	// Create input larger than maxInputSize
	input := strings.Repeat("x", maxInputSize+1)
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveReader_PartialCredentials(t *testing.T) {
	input := `{"vector": {"base_url": "http://vectors.internal:8000"}}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Nil(t, creds.Catalog)
	require.NotNil(t, creds.Vector)
	require.Empty(t, creds.Vector.APIKey)
}
