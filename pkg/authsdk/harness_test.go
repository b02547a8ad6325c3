package authsdk_test

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/shelfauth/internal/testutil"
	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/kv"
	"github.com/aussiebroadwan/shelfauth/pkg/slogx"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "fp-test-device"

type harness struct {
	idp       *testutil.IdP
	store     *kv.Memory
	client    *authsdk.Client
	session   *authsdk.SessionStore
	handshake *authsdk.Handshake
	coord     *authsdk.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	idp := testutil.NewIdP(t)
	store := kv.NewMemory()
	logger := slogx.Discard()

	client := idp.Client()
	session := authsdk.NewSessionStore(store, idp.Clock, logger)
	handshake := authsdk.NewHandshake(client, store, authsdk.StaticFingerprinter(testFingerprint),
		authsdk.NavigatorFunc(func(context.Context, string) error { return nil }), logger)
	coord := authsdk.NewCoordinator(session, client, handshake, authsdk.CoordinatorConfig{
		Margin: authsdk.DefaultRefreshMargin,
		Clock:  idp.Clock,
		Logger: logger,
	})
	t.Cleanup(coord.Stop)

	return &harness{
		idp:       idp,
		store:     store,
		client:    client,
		session:   session,
		handshake: handshake,
		coord:     coord,
	}
}

// signIn seeds a session whose access token expires after ttl, bound to
// testFingerprint. It returns the seeded token.
func (h *harness) signIn(t *testing.T, ttl time.Duration) authsdk.Token {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, authsdk.KeyFingerprint, []byte(testFingerprint)))

	tok := authsdk.Token{
		AccessToken:  h.idp.MintAccessToken(h.idp.Clock.Now().Add(ttl)),
		RefreshToken: h.idp.IssueRefreshToken(testFingerprint),
		TokenType:    "Bearer",
	}
	require.NoError(t, h.session.SetTokens(ctx, tok.AccessToken, tok.RefreshToken, tok.TokenType))

	user := h.idp.User
	require.NoError(t, h.session.SetUser(ctx, &user))

	return tok
}
