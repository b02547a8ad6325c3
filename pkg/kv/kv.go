// Package kv is the single key-value persistence layer behind the session
// store. Values are opaque bytes; drivers decide where they live.
package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("kv: not found")

// Store is implemented by every driver (memory, sqlite, bolt) and by the
// Sealed decorator.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes all given keys in one atomic step. Missing keys are
	// not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases any underlying resources.
	Close() error
}
