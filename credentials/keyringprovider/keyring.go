// Package keyringprovider resolves credential template references from the
// platform keystore.
package keyringprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/catalog-cache/credentials"
	"github.com/zalando/go-keyring"
)

// WithKeyring registers a "keyring" template function. A reference is either
// "user", looked up under defaultService, or "service/user".
func WithKeyring(defaultService string) credentials.ResolverOption {
	return credentials.WithProvider("keyring", func(_ context.Context, ref string) (string, error) {
		service, user := defaultService, ref
		if s, u, ok := strings.Cut(ref, "/"); ok {
			service, user = s, u
		}
		if service == "" || user == "" {
			return "", fmt.Errorf("keyring reference %q needs a service and a user", ref)
		}

		secret, err := keyring.Get(service, user)
		if err != nil {
			return "", fmt.Errorf("keyring get %s/%s: %w", service, user, err)
		}
		return secret, nil
	})
}
