// Package storage provides the durable key/value backends behind the
// conversation store: Badger on local disk, a NATS KV bucket, and memory.
package storage

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

// Backend persists opaque values under string keys.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// PutAll writes every entry. Badger and memory apply any batch
	// atomically; the KV backend does so for keys sharing a directory.
	PutAll(ctx context.Context, entries map[string][]byte) error

	// Close releases the backend.
	Close() error
}

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes a stored value.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes a stored value.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}
