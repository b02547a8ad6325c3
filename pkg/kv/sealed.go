package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/shelfauth/pkg/cryptox"
)

// SaltKey holds the random salt used to derive the sealing key. It is stored
// in clear next to the sealed values.
const SaltKey = "kv.salt"

// Sealed encrypts every value before it reaches the wrapped Store. The key
// name is bound as additional data so values cannot be swapped between keys.
type Sealed struct {
	inner  Store
	sealer *cryptox.Sealer
}

// NewSealed loads (or creates) the salt in inner and derives the sealing key
// from secret.
func NewSealed(ctx context.Context, inner Store, secret []byte) (*Sealed, error) {
	salt, err := inner.Get(ctx, SaltKey)
	switch {
	case errors.Is(err, ErrNotFound):
		if salt, err = cryptox.NewSalt(); err != nil {
			return nil, err
		}
		if err := inner.Set(ctx, SaltKey, salt); err != nil {
			return nil, fmt.Errorf("failed to persist salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	sealer, err := cryptox.NewSealer(secret, salt)
	if err != nil {
		return nil, err
	}

	return &Sealed{inner: inner, sealer: sealer}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	plain, err := s.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("kv: open %q: %w", key, err)
	}
	return plain, nil
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.sealer.Seal(value, []byte(key))
	if err != nil {
		return fmt.Errorf("kv: seal %q: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, keys ...string) error {
	return s.inner.Delete(ctx, keys...)
}

func (s *Sealed) Close() error { return s.inner.Close() }
