package authsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/cryptox"
	"github.com/aussiebroadwan/shelfauth/pkg/jwtx"
	"golang.org/x/sync/singleflight"
)

// Defaults for CoordinatorConfig.
const (
	DefaultRefreshMargin  = 2 * time.Minute
	DefaultRefreshTimeout = 10 * time.Second
)

// CoordinatorState is the refresh lifecycle state.
type CoordinatorState int

const (
	// StateIdle means there is no token to keep fresh.
	StateIdle CoordinatorState = iota
	// StateScheduled means a refresh timer is armed.
	StateScheduled
	// StateRefreshing means a refresh exchange is in flight.
	StateRefreshing
	// StateLoggedOut means the last refresh failed and the session was
	// cleared. A new login moves back to StateScheduled.
	StateLoggedOut
)

func (s CoordinatorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("CoordinatorState(%d)", int(s))
	}
}

// Refresher performs the refresh_token grant. *Client implements it.
type Refresher interface {
	RefreshGrant(ctx context.Context, refreshToken, fingerprint string) (*TokenResponse, error)
}

// FingerprintSource returns the fingerprint bound at login. *Handshake
// implements it.
type FingerprintSource interface {
	StoredFingerprint(ctx context.Context) (string, error)
}

type CoordinatorConfig struct {
	// Margin is how long before exp the token is refreshed.
	Margin time.Duration

	// RefreshTimeout bounds a single refresh exchange.
	RefreshTimeout time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// Coordinator keeps the session's access token fresh. It refreshes
// proactively on a timer armed at exp minus the margin, and reactively when
// RefreshIfNeeded is called after a 401. Concurrent triggers share one
// exchange.
type Coordinator struct {
	session      *SessionStore
	refresher    Refresher
	fingerprints FingerprintSource

	margin  time.Duration
	timeout time.Duration
	clock   Clock
	logger  *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	state       CoordinatorState
	timer       Timer
	gen         uint64
	scheduled   string // access token the current timer was armed for
	refreshing  bool
	started     bool
	stopped     bool
	unsubscribe func()
}

func NewCoordinator(
	session *SessionStore,
	refresher Refresher,
	fingerprints FingerprintSource,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultRefreshMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		session:      session,
		refresher:    refresher,
		fingerprints: fingerprints,
		margin:       cfg.Margin,
		timeout:      cfg.RefreshTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "refresh_coordinator"),
	}
}

// Margin returns the configured refresh margin.
func (c *Coordinator) Margin() time.Duration { return c.margin }

// State returns the current lifecycle state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes to the session and arms the schedule for the current
// token, if any. Calling Start more than once, or after Stop, is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	unsubscribe := c.session.Subscribe(c.onSessionChange)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		unsubscribe()
		return
	}
	c.unsubscribe = unsubscribe
}

// Stop cancels any pending timer and unsubscribes from the session. After
// Stop returns no timer will start a refresh. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancelTimerLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Coordinator) onSessionChange(state SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if state.Token == nil {
		c.cancelTimerLocked()
		if c.state != StateLoggedOut {
			c.state = StateIdle
		}
		return
	}

	// A flight in progress re-arms from whatever token it leaves behind.
	if c.refreshing {
		return
	}

	// Notifications for unrelated changes (e.g. SetUser) keep the timer.
	if state.Token.AccessToken == c.scheduled && c.timer != nil {
		return
	}

	c.scheduleLocked(state.Token.AccessToken, false)
}

// scheduleLocked arms the timer for access. A token that is already inside
// the margin (or unreadable) is refreshed right away, except straight after
// a refresh, where the timer is armed for half the remaining lifetime
// instead so a short-lived token cannot cause a refresh loop.
func (c *Coordinator) scheduleLocked(access string, afterRefresh bool) {
	c.cancelTimerLocked()

	// Timers only run between Start and Stop; RefreshIfNeeded works regardless.
	if !c.started || c.stopped {
		c.state = StateIdle
		return
	}
	c.scheduled = access

	now := c.clock.Now()
	exp, err := jwtx.ExpiresAt(access)

	var delay time.Duration
	if err == nil {
		delay = exp.Add(-c.margin).Sub(now)
	}

	if err != nil || delay <= 0 {
		if !afterRefresh {
			c.state = StateRefreshing
			go c.refreshInBackground()
			return
		}

		remaining := exp.Sub(now)
		if err != nil || remaining <= 0 {
			c.logger.Warn("refreshed token is already expired; not scheduling", "error", err)
			c.state = StateIdle
			return
		}
		delay = remaining / 2
	}

	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() { c.onTimer(gen) })
	c.state = StateScheduled

	c.logger.Debug("refresh scheduled", "delay", delay, "expires_at", exp)
}

func (c *Coordinator) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.scheduled = ""
}

func (c *Coordinator) onTimer(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.refreshInBackground()
}

func (c *Coordinator) refreshInBackground() {
	if err := c.refresh(context.Background()); err != nil {
		c.logger.Debug("background refresh finished with error", "error", err)
	}
}

// RefreshIfNeeded refreshes the access token if it is within the margin of
// expiring. When it is not, it returns nil without any network call and
// leaves the schedule alone. Concurrent callers share one exchange; a caller
// whose ctx ends stops waiting, but the exchange still completes and is
// applied.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context) error {
	if !c.session.IsTokenExpiringSoon(c.margin) {
		return nil
	}
	return c.refresh(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return nil, c.doRefresh(fctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) doRefresh(ctx context.Context) error {
	c.mu.Lock()
	c.refreshing = true
	c.cancelTimerLocked()
	c.state = StateRefreshing
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	// Lost the race: someone else already stored a fresh token.
	if !c.session.IsTokenExpiringSoon(c.margin) {
		c.logger.Debug("token no longer expiring; skipping refresh")
		c.rearm(false)
		return nil
	}

	token := c.session.Token()
	if token == nil || token.RefreshToken == "" {
		c.forceLogout(ctx, "no refresh token", nil)
		return ErrMissingRefreshToken
	}

	fingerprint, err := c.fingerprints.StoredFingerprint(ctx)
	if err != nil {
		c.forceLogout(ctx, "no device fingerprint", err)
		return fmt.Errorf("%w: %w", ErrMissingRefreshToken, err)
	}

	resp, err := c.refresher.RefreshGrant(ctx, token.RefreshToken, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrRefreshRequestFailed) {
			err = fmt.Errorf("%w: %w", ErrRefreshRequestFailed, err)
		}
		c.forceLogout(ctx, "refresh request failed", err)
		return err
	}

	// A logout (or a new login) landed while the exchange was in flight.
	if cur := c.session.Token(); cur == nil || cur.RefreshToken != token.RefreshToken {
		c.logger.Info("session changed during refresh; discarding result")
		c.rearm(true)
		if cur == nil {
			return ErrNotAuthenticated
		}
		return nil
	}

	next := resp.Token()
	if next.RefreshToken == "" {
		// Provider did not rotate; keep using the old refresh token.
		next.RefreshToken = token.RefreshToken
	}

	if err := c.session.SetTokens(ctx, next.AccessToken, next.RefreshToken, next.TokenType); err != nil {
		if errors.Is(err, ErrIncompleteToken) {
			err = fmt.Errorf("%w: %w", ErrRefreshRequestFailed, err)
			c.forceLogout(ctx, "refresh returned an incomplete token", err)
			return err
		}
		c.logger.Warn("refreshed token not persisted", "error", err)
	}

	c.logger.Info("token refreshed", "token_fp", cryptox.FingerprintToken(next.AccessToken)[:12])
	c.rearm(true)
	return nil
}

func (c *Coordinator) rearm(afterRefresh bool) {
	token := c.session.Token()

	c.mu.Lock()
	defer c.mu.Unlock()

	if token == nil {
		c.cancelTimerLocked()
		if c.state != StateLoggedOut {
			c.state = StateIdle
		}
		return
	}
	c.scheduleLocked(token.AccessToken, afterRefresh)
}

func (c *Coordinator) forceLogout(ctx context.Context, reason string, cause error) {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.state = StateLoggedOut
	c.mu.Unlock()

	c.logger.Warn("forced logout", "reason", reason, "error", cause)
	if err := c.session.Logout(ctx); err != nil {
		c.logger.Error("failed to clear session after refresh failure", "error", err)
	}
}
