package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind tags the payload held in a Value.
type Kind string

const (
	KindFramework     Kind = "framework"
	KindFrameworkList Kind = "framework_list"
	KindQueryResult   Kind = "query_result"
	KindEmbedding     Kind = "embedding"
	KindRaw           Kind = "raw"
)

// Value is the envelope stored in every cache entry.
type Value struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewValue serialises v under the given kind.
func NewValue(kind Kind, v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encoding %s value: %w", kind, err)
	}
	return Value{Kind: kind, Data: data}, nil
}

// Decode unmarshals the payload into dst.
func (v Value) Decode(dst any) error {
	if err := json.Unmarshal(v.Data, dst); err != nil {
		return fmt.Errorf("decoding %s value: %w", v.Kind, err)
	}
	return nil
}

// Put stores v under key.
func Put[T any](ctx context.Context, m *Manager, key string, kind Kind, v T) error {
	val, err := NewValue(kind, v)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, val)
}
