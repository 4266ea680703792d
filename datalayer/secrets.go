package datalayer

import (
	"context"
	"errors"
	"fmt"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/store/localdb"
)

// ErrNoSuchKey is returned when no API key is stored for a service.
var ErrNoSuchKey = errors.New("no api key stored for service")

// StoreEncryptedAPIKey seals apiKey and stores it for service, replacing any
// earlier key.
func (s *Service) StoreEncryptedAPIKey(ctx context.Context, service, apiKey string) error {
	if service == "" {
		return fmt.Errorf("storing api key: empty service name")
	}
	if err := s.Init(ctx); err != nil {
		return err
	}

	sealed, err := s.sealer.Seal(ctx, service, apiKey)
	if err != nil {
		return fmt.Errorf("sealing api key for %s: %w", service, err)
	}
	if err := s.db.PutSecret(ctx, &catalogcache.EncryptedSecret{Service: service, EncryptedKey: sealed}); err != nil {
		return fmt.Errorf("storing api key for %s: %w", service, err)
	}
	s.logger.Info("stored api key", "service", service)
	return nil
}

// GetEncryptedAPIKey returns the decrypted API key for service.
func (s *Service) GetEncryptedAPIKey(ctx context.Context, service string) (string, error) {
	if err := s.Init(ctx); err != nil {
		return "", err
	}

	secret, err := s.db.GetSecret(ctx, service)
	if errors.Is(err, localdb.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoSuchKey, service)
	}
	if err != nil {
		return "", fmt.Errorf("reading api key for %s: %w", service, err)
	}

	plain, err := s.sealer.Open(ctx, service, secret.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("opening api key for %s: %w", service, err)
	}
	return plain, nil
}

// DeleteAPIKey removes the key stored for service. Deleting a missing key is
// not an error.
func (s *Service) DeleteAPIKey(ctx context.Context, service string) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	return s.db.DeleteSecret(ctx, service)
}

// ListAPIKeyServices returns the services that have a stored key.
func (s *Service) ListAPIKeyServices(ctx context.Context) ([]string, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.db.ListSecretServices(ctx)
}
