package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/httpx"
	"github.com/aussiebroadwan/shelfauth/pkg/kv"
	"github.com/aussiebroadwan/shelfauth/pkg/kv/drivers/bolt"
	"github.com/aussiebroadwan/shelfauth/pkg/kv/drivers/sqlite"
	"github.com/aussiebroadwan/shelfauth/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the session, refresh coordinator and resource client
// for one configured provider.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store       kv.Store
	client      *authsdk.Client
	session     *authsdk.SessionStore
	handshake   *authsdk.Handshake
	coordinator *authsdk.Coordinator
	resources   *authsdk.ResourceClient

	navigator authsdk.Navigator
	clock     authsdk.Clock
	transport http.RoundTripper
}

type Option func(*Application)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithNavigator replaces the system browser.
func WithNavigator(n authsdk.Navigator) Option {
	return func(a *Application) { a.navigator = n }
}

func WithClock(c authsdk.Clock) Option {
	return func(a *Application) { a.clock = c }
}

// WithTransport sets the base RoundTripper for all outbound calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Application) { a.transport = rt }
}

// New opens storage, resolves the provider endpoints and restores any
// persisted session.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	app := &Application{
		cfg:       cfg,
		clock:     authsdk.SystemClock{},
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		app.logger = slogx.New(slogx.Config{
			Service: "shelfauth",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
		})
	}
	if app.navigator == nil {
		app.navigator = NewBrowserNavigator(nil, app.logger)
	}

	if err := app.initStorage(ctx); err != nil {
		return nil, err
	}

	if err := app.initAuth(ctx); err != nil {
		_ = app.store.Close()
		return nil, err
	}

	return app, nil
}

// initStorage opens the configured driver, sealed when a secret is set.
func (app *Application) initStorage(ctx context.Context) error {
	var (
		store kv.Store
		err   error
	)

	switch app.cfg.Storage.Driver {
	case DriverSQLite:
		store, err = sqlite.Open(app.cfg.Storage.Path)
	case DriverBolt:
		store, err = bolt.Open(app.cfg.Storage.Path)
	case DriverMemory:
		store = kv.NewMemory()
	default:
		err = fmt.Errorf("unknown storage driver %q", app.cfg.Storage.Driver)
	}
	if err != nil {
		return fmt.Errorf("failed to open session storage: %w", err)
	}

	if app.cfg.Storage.Secret != "" {
		sealed, err := kv.NewSealed(ctx, store, []byte(app.cfg.Storage.Secret))
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to initialize sealed storage: %w", err)
		}
		store = sealed
	}

	app.store = store
	app.logger.Debug("session storage ready",
		"driver", app.cfg.Storage.Driver,
		"path", app.cfg.Storage.Path,
		"sealed", app.cfg.Storage.Secret != "",
	)
	return nil
}

func (app *Application) initAuth(ctx context.Context) error {
	outbound := slogx.NewTransport(app.transport, app.logger)
	idpHTTP := &http.Client{Transport: outbound, Timeout: app.cfg.API.Timeout.Std()}

	endpoints := authsdk.Endpoints{
		AuthorizeURL: app.cfg.Auth.AuthorizeURL,
		TokenURL:     app.cfg.Auth.TokenURL,
		UserInfoURL:  app.cfg.Auth.UserInfoURL,
	}
	if app.cfg.Auth.Issuer != "" {
		discovered, err := authsdk.Discover(ctx, app.cfg.Auth.Issuer, idpHTTP)
		if err != nil {
			return err
		}
		endpoints = discovered
		app.logger.Info("provider endpoints discovered", "issuer", app.cfg.Auth.Issuer)
	}

	app.client = authsdk.NewClient(app.cfg.Auth.ClientID, app.cfg.Auth.RedirectURI, endpoints)
	app.client.Scope = app.cfg.Auth.Scope
	app.client.HTTPClient = idpHTTP

	var fingerprinter authsdk.Fingerprinter = authsdk.NewHostFingerprinter()
	if app.cfg.Auth.Fingerprint != "" {
		fingerprinter = authsdk.StaticFingerprinter(app.cfg.Auth.Fingerprint)
	}

	app.session = authsdk.NewSessionStore(app.store, app.clock, app.logger)
	if err := app.session.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}

	app.handshake = authsdk.NewHandshake(app.client, app.store, fingerprinter, app.navigator, app.logger)

	app.coordinator = authsdk.NewCoordinator(app.session, app.client, app.handshake, authsdk.CoordinatorConfig{
		Margin:         app.cfg.Auth.RefreshMargin.Std(),
		RefreshTimeout: app.cfg.Auth.RefreshTimeout.Std(),
		Clock:          app.clock,
		Logger:         app.logger,
	})

	paced := httpx.NewRateLimitTransport(app.cfg.APILimit, outbound)
	authed := authsdk.NewTransport(app.session, app.coordinator, paced, app.logger)
	app.resources = authsdk.NewResourceClient(app.cfg.API.BaseURL, authed, app.cfg.API.Timeout.Std())

	return nil
}

// Session exposes the session store, e.g. for status output.
func (app *Application) Session() *authsdk.SessionStore { return app.session }

// Coordinator exposes the refresh coordinator.
func (app *Application) Coordinator() *authsdk.Coordinator { return app.coordinator }

// Close stops the coordinator and closes storage.
func (app *Application) Close() error {
	app.coordinator.Stop()
	return app.store.Close()
}

// CompleteLogin finishes a login from the authorization code: exchange,
// store tokens, then fetch and store the profile. If the profile cannot be
// fetched the half-built session is discarded.
func (app *Application) CompleteLogin(ctx context.Context, code string) (*authsdk.User, error) {
	token, err := app.handshake.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := app.session.SetTokens(ctx, token.AccessToken, token.RefreshToken, token.TokenType); err != nil {
		return nil, fmt.Errorf("failed to store tokens: %w", err)
	}

	user, err := app.client.GetUserInfo(ctx, token)
	if err != nil {
		app.logger.Error("failed to fetch user info; logging out", "error", err)
		if lerr := app.session.Logout(ctx); lerr != nil {
			app.logger.Error("failed to clear session", "error", lerr)
		}
		return nil, err
	}

	if err := app.session.SetUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to store user: %w", err)
	}

	app.logger.Info("login complete", "user_id", string(user.ID), "username", user.Username)
	return user, nil
}

// Login runs the interactive flow: start the callback listener, send the
// browser to the provider, and wait for the redirect.
func (app *Application) Login(ctx context.Context) (*authsdk.User, error) {
	cb, err := NewCallbackServer(app.cfg.Auth.RedirectURI, app.CompleteLogin, app.cfg.CallbackLimit, app.logger)
	if err != nil {
		return nil, err
	}
	cb.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = cb.Shutdown(sctx)
	}()

	if err := app.handshake.StartLogin(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, app.cfg.Auth.LoginTimeout.Std())
	defer cancel()

	return cb.Wait(ctx)
}

// Logout clears the session and all persisted login state. The coordinator
// drops its timer on the cleared session but stays subscribed, so a later
// login in the same Application is scheduled again.
func (app *Application) Logout(ctx context.Context) error {
	return app.session.Logout(ctx)
}

// Status summarises the current session.
type Status struct {
	Authenticated bool          `json:"authenticated"`
	Admin         bool          `json:"admin"`
	User          *authsdk.User `json:"user,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at,omitzero"`
	ExpiresIn     string        `json:"expires_in,omitempty"`
	Expired       bool          `json:"expired"`
	ExpiringSoon  bool          `json:"expiring_soon"`
}

func (app *Application) Status() Status {
	st := Status{
		Authenticated: app.session.IsAuthenticated(),
		Admin:         app.session.IsAdmin(),
		User:          app.session.User(),
		Expired:       app.session.IsTokenExpired(),
		ExpiringSoon:  app.session.IsTokenExpiringSoon(app.coordinator.Margin()),
	}
	if exp, err := app.session.ExpiresAt(); err == nil {
		st.ExpiresAt = exp
		st.ExpiresIn = exp.Sub(app.clock.Now()).Round(time.Second).String()
	}
	return st
}

// APIError is a non-2xx response from the resource API.
type APIError struct {
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("resource API returned %s", e.Status)
}

// Fetch GETs path from the resource API and copies the body to w. The body
// is copied for error responses too; the status is then returned as *APIError.
func (app *Application) Fetch(ctx context.Context, path string, w io.Writer) error {
	if !app.session.IsAuthenticated() {
		return authsdk.ErrNotAuthenticated
	}

	resp, err := app.resources.Do(ctx, http.MethodGet, path, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// ErrSessionEnded is returned by Watch when the session is cleared.
var ErrSessionEnded = errors.New("session ended")

// Watch keeps the session fresh until ctx is done or the session ends. The
// coordinator is stopped on return, so Watch runs at most once per Application.
func (app *Application) Watch(ctx context.Context) error {
	if !app.session.IsAuthenticated() {
		return authsdk.ErrNotAuthenticated
	}

	ended := make(chan struct{})
	var once sync.Once
	unsubscribe := app.session.Subscribe(func(st authsdk.SessionState) {
		if st.Token == nil {
			once.Do(func() { close(ended) })
		}
	})
	defer unsubscribe()

	app.coordinator.Start()
	defer app.coordinator.Stop()

	monitor := NewSessionMonitor(app.session, app.coordinator, app.logger, app.cfg.Auth.CheckInterval.Std())
	monitor.Start()
	defer monitor.Stop()

	app.logger.Info("watching session", "margin", app.coordinator.Margin())

	select {
	case <-ctx.Done():
		return nil
	case <-ended:
		return ErrSessionEnded
	}
}
