package localdb

import (
	"context"
	"encoding/json"
	"fmt"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"go.etcd.io/bbolt"
)

// PutSecret stores or replaces the sealed key for a service.
func (d *DB) PutSecret(_ context.Context, secret *catalogcache.EncryptedSecret) error {
	if secret.UpdatedAt.IsZero() {
		secret.UpdatedAt = d.now().UTC()
	}
	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("marshaling secret: %w", err)
	}
	return d.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Put([]byte(secret.Service), data)
	})
}

// GetSecret returns the sealed key for a service.
func (d *DB) GetSecret(_ context.Context, service string) (*catalogcache.EncryptedSecret, error) {
	var secret catalogcache.EncryptedSecret
	err := d.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAPIKeys).Get([]byte(service))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

// DeleteSecret removes the sealed key for a service.
func (d *DB) DeleteSecret(_ context.Context, service string) error {
	return d.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Delete([]byte(service))
	})
}

// ListSecretServices returns the services that have a stored key, sorted.
func (d *DB) ListSecretServices(_ context.Context) ([]string, error) {
	var services []string
	err := d.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(k, _ []byte) error {
			services = append(services, string(k))
			return nil
		})
	})
	return services, err
}
