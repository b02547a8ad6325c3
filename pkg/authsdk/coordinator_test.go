package authsdk_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/kv"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_TimerFiresAtExpiryMinusMargin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	start := h.idp.Clock.Now()
	first := h.signIn(t, 15*time.Minute)

	h.coord.Start()
	require.Equal(t, authsdk.StateScheduled, h.coord.State())

	deadline, ok := h.idp.Clock.NextDeadline()
	require.True(t, ok)
	require.Equal(t, start.Add(13*time.Minute), deadline)

	h.idp.Clock.Advance(13*time.Minute - time.Second)
	require.Zero(t, h.idp.RefreshCalls.Load())

	h.idp.Clock.Advance(time.Second)
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())

	tok := h.session.Token()
	require.NotEqual(t, first.AccessToken, tok.AccessToken)
	require.NotEqual(t, first.RefreshToken, tok.RefreshToken)
	require.True(t, h.session.IsAuthenticated())
	require.Equal(t, authsdk.StateScheduled, h.coord.State())

	// The next timer is armed from the new token.
	deadline, ok = h.idp.Clock.NextDeadline()
	require.True(t, ok)
	require.Equal(t, h.idp.Clock.Now().Add(13*time.Minute), deadline)
	require.Equal(t, 1, h.idp.Clock.Pending())
}

func TestCoordinator_TokenInsideMarginRefreshesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.signIn(t, 90*time.Second)

	h.coord.Start()

	require.Eventually(t, func() bool {
		return h.idp.RefreshCalls.Load() == 1 && h.coord.State() == authsdk.StateScheduled
	}, 2*time.Second, 5*time.Millisecond)

	require.NotEqual(t, first.AccessToken, h.session.Token().AccessToken)
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())
}

func TestCoordinator_ConcurrentTriggersShareOneExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, time.Minute)

	release := h.idp.HoldRefreshes()

	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.coord.RefreshIfNeeded(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return h.idp.RefreshCalls.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	release()

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())

	// Fresh token: nothing more to do.
	require.NoError(t, h.coord.RefreshIfNeeded(context.Background()))
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())
}

func TestCoordinator_RefreshIfNeededSkipsFreshToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tok := h.signIn(t, time.Hour)

	require.NoError(t, h.coord.RefreshIfNeeded(context.Background()))
	require.Zero(t, h.idp.RefreshCalls.Load())
	require.Equal(t, tok.AccessToken, h.session.Token().AccessToken)
}

func TestCoordinator_MissingFingerprintLogsOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.signIn(t, time.Minute)
	require.NoError(t, h.store.Delete(ctx, authsdk.KeyFingerprint))

	err := h.coord.RefreshIfNeeded(ctx)
	require.ErrorIs(t, err, authsdk.ErrMissingRefreshToken)

	require.Zero(t, h.idp.RefreshCalls.Load())
	require.False(t, h.session.IsAuthenticated())
	require.Equal(t, authsdk.StateLoggedOut, h.coord.State())
}

func TestCoordinator_NoSessionLogsOutWithoutExchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	require.NoError(t, h.store.Set(ctx, authsdk.KeyFingerprint, []byte(testFingerprint)))

	err := h.coord.RefreshIfNeeded(ctx)
	require.ErrorIs(t, err, authsdk.ErrMissingRefreshToken)

	require.Zero(t, h.idp.RefreshCalls.Load())
	require.Equal(t, authsdk.StateLoggedOut, h.coord.State())

	_, err = h.store.Get(ctx, authsdk.KeyFingerprint)
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCoordinator_ExpiredTokenRefreshesOnStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.signIn(t, -time.Minute)
	require.True(t, h.session.IsTokenExpired())

	h.coord.Start()

	require.Eventually(t, func() bool {
		return h.idp.RefreshCalls.Load() == 1 && h.coord.State() == authsdk.StateScheduled
	}, 2*time.Second, 5*time.Millisecond)

	require.NotEqual(t, first.AccessToken, h.session.Token().AccessToken)
	require.False(t, h.session.IsTokenExpired())
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())
}

func TestCoordinator_RefreshFailureLogsOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.signIn(t, time.Minute)
	h.coord.Start()
	require.Eventually(t, func() bool {
		return h.idp.RefreshCalls.Load() == 1 && h.coord.State() == authsdk.StateScheduled
	}, 2*time.Second, 5*time.Millisecond)

	h.idp.FailRefresh.Store(true)
	h.idp.Clock.Advance(13 * time.Minute)

	require.EqualValues(t, 2, h.idp.RefreshCalls.Load())
	require.Equal(t, authsdk.StateLoggedOut, h.coord.State())
	require.False(t, h.session.IsAuthenticated())
	require.Nil(t, h.session.Token())
	require.Empty(t, h.store.Snapshot())
	require.Zero(t, h.idp.Clock.Pending())

	// A new login brings the schedule back.
	h.idp.FailRefresh.Store(false)
	h.signIn(t, 15*time.Minute)
	require.Equal(t, authsdk.StateScheduled, h.coord.State())

	require.NoError(t, h.coord.RefreshIfNeeded(ctx))
}

func TestCoordinator_RefreshFailureError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, time.Minute)
	h.idp.FailRefresh.Store(true)

	err := h.coord.RefreshIfNeeded(context.Background())
	require.ErrorIs(t, err, authsdk.ErrRefreshRequestFailed)

	var oerr *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, authsdk.ErrorCodeInvalidGrant, oerr.Code)
	require.Equal(t, authsdk.StateLoggedOut, h.coord.State())
}

func TestCoordinator_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idp.RotateRefresh.Store(false)
	first := h.signIn(t, time.Minute)

	require.NoError(t, h.coord.RefreshIfNeeded(context.Background()))

	tok := h.session.Token()
	require.NotEqual(t, first.AccessToken, tok.AccessToken)
	require.Equal(t, first.RefreshToken, tok.RefreshToken)
}

func TestCoordinator_LogoutDuringRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.signIn(t, time.Minute)

	release := h.idp.HoldRefreshes()
	done := make(chan error, 1)
	go func() { done <- h.coord.RefreshIfNeeded(ctx) }()

	require.Eventually(t, func() bool { return h.idp.RefreshCalls.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.Logout(ctx))
	release()

	require.ErrorIs(t, <-done, authsdk.ErrNotAuthenticated)
	require.Nil(t, h.session.Token())
	require.Zero(t, h.idp.Clock.Pending())
}

func TestCoordinator_CallerContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, time.Minute)

	release := h.idp.HoldRefreshes()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.RefreshIfNeeded(ctx) }()

	require.Eventually(t, func() bool { return h.idp.RefreshCalls.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The exchange still completes and is applied.
	release()
	require.Eventually(t, func() bool {
		return !h.session.IsTokenExpiringSoon(h.coord.Margin())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_StopCancelsTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, 15*time.Minute)

	h.coord.Start()
	require.Equal(t, 1, h.idp.Clock.Pending())

	h.coord.Stop()
	h.coord.Stop()
	require.Zero(t, h.idp.Clock.Pending())

	h.idp.Clock.Advance(time.Hour)
	require.Zero(t, h.idp.RefreshCalls.Load())

	// Restarting a stopped coordinator does nothing.
	h.coord.Start()
	require.Zero(t, h.idp.Clock.Pending())
}

func TestCoordinator_LogoutCancelsTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, 15*time.Minute)
	h.coord.Start()

	require.NoError(t, h.session.Logout(context.Background()))
	require.Equal(t, authsdk.StateIdle, h.coord.State())
	require.Zero(t, h.idp.Clock.Pending())

	h.idp.Clock.Advance(time.Hour)
	require.Zero(t, h.idp.RefreshCalls.Load())
}

func TestCoordinator_UserUpdateKeepsTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, 15*time.Minute)
	h.coord.Start()

	before, _ := h.idp.Clock.NextDeadline()
	h.idp.Clock.Advance(time.Minute)

	user := h.idp.User
	user.Username = "alice2"
	require.NoError(t, h.session.SetUser(context.Background(), &user))

	after, _ := h.idp.Clock.NextDeadline()
	require.Equal(t, before, after)
	require.Equal(t, 1, h.idp.Clock.Pending())
}

func TestCoordinatorState_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", authsdk.StateIdle.String())
	require.Equal(t, "scheduled", authsdk.StateScheduled.String())
	require.Equal(t, "refreshing", authsdk.StateRefreshing.String())
	require.Equal(t, "logged_out", authsdk.StateLoggedOut.String())
	require.Equal(t, "CoordinatorState(9)", authsdk.CoordinatorState(9).String())
}
