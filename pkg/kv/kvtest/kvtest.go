// Package kvtest holds the conformance suite every kv.Store driver runs.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/aussiebroadwan/shelfauth/pkg/kv"
	"github.com/stretchr/testify/require"
)

// Run exercises the kv.Store contract against stores produced by open.
func Run(t *testing.T, open func(t *testing.T) kv.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })

		_, err := s.Get(ctx, "token")
		require.True(t, errors.Is(err, kv.ErrNotFound), "got %v", err)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })

		require.NoError(t, s.Set(ctx, "codeVerifier", []byte("v1")))
		require.NoError(t, s.Set(ctx, "codeVerifier", []byte("v2")))

		got, err := s.Get(ctx, "codeVerifier")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got)
	})

	t.Run("delete many", func(t *testing.T) {
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })

		for _, k := range []string{"token", "user", "fingerprint"} {
			require.NoError(t, s.Set(ctx, k, []byte(k)))
		}
		require.NoError(t, s.Delete(ctx, "token", "user", "codeVerifier"))

		_, err := s.Get(ctx, "token")
		require.ErrorIs(t, err, kv.ErrNotFound)
		_, err = s.Get(ctx, "user")
		require.ErrorIs(t, err, kv.ErrNotFound)

		got, err := s.Get(ctx, "fingerprint")
		require.NoError(t, err)
		require.Equal(t, []byte("fingerprint"), got)
	})

	t.Run("empty value", func(t *testing.T) {
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })

		require.NoError(t, s.Set(ctx, "k", []byte{}))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Empty(t, got)
	})
}
