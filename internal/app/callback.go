package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/httpx"
	"github.com/aussiebroadwan/shelfauth/pkg/slogx"
)

// CompleteFunc finishes a login from an authorization code.
type CompleteFunc func(ctx context.Context, code string) (*authsdk.User, error)

type callbackResult struct {
	user *authsdk.User
	err  error
}

// CallbackServer receives the provider's redirect on the loopback address
// named by the redirect URI. The first callback decides the outcome; later
// ones are rejected.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	complete CompleteFunc
	logger   *slog.Logger

	once   sync.Once
	result chan callbackResult
}

// NewCallbackServer binds the redirect URI's host and port. Only http
// redirect URIs can be served.
func NewCallbackServer(redirectURI string, complete CompleteFunc, limit httpx.RateLimitConfig, logger *slog.Logger) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI %q must use http to be served locally", redirectURI)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", u.Host, err)
	}

	s := &CallbackServer{
		listener: listener,
		complete: complete,
		logger:   logger,
		result:   make(chan callbackResult, 1),
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, s.handleCallback)

	var handler http.Handler = mux
	handler = httpx.RateLimitMiddleware(limit, httpx.IPKeyExtractor)(handler)
	handler = slogx.HTTPMiddleware(logger)(handler)

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return s, nil
}

// Addr returns the bound address.
func (s *CallbackServer) Addr() string { return s.listener.Addr().String() }

// Start serves in the background.
func (s *CallbackServer) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server failed", "error", err)
			s.finish(callbackResult{err: fmt.Errorf("callback server failed: %w", err)})
		}
	}()
}

// Wait blocks until a callback has been handled or ctx is done.
func (s *CallbackServer) Wait(ctx context.Context) (*authsdk.User, error) {
	select {
	case res := <-s.result:
		return res.user, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for login callback: %w", ctx.Err())
	}
}

func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *CallbackServer) finish(res callbackResult) bool {
	first := false
	s.once.Do(func() {
		first = true
		s.result <- res
	})
	return first
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	logger := slogx.FromContext(r.Context())

	code, _, err := authsdk.ParseAuthorizationCallback(r.URL.String())
	if err != nil {
		logger.Warn("authorization failed", "error", err)
		if s.finish(callbackResult{err: err}) {
			httpx.WriteHTML(w, http.StatusBadRequest, page("Login failed", err.Error()))
			return
		}
		httpx.WriteHTML(w, http.StatusConflict, page("Login already handled", "You can close this window."))
		return
	}

	// The exchange must not be cut short if the browser goes away.
	user, err := s.complete(context.WithoutCancel(r.Context()), code)
	if !s.finish(callbackResult{user: user, err: err}) {
		httpx.WriteHTML(w, http.StatusConflict, page("Login already handled", "You can close this window."))
		return
	}

	if err != nil {
		logger.Error("login failed", "error", err)
		httpx.WriteHTML(w, http.StatusBadGateway, page("Login failed", err.Error()))
		return
	}

	httpx.WriteHTML(w, http.StatusOK, page("Signed in", "Signed in as "+user.Username+". You can close this window."))
}

func page(title, message string) string {
	return "<!doctype html><html><head><meta charset=\"utf-8\"><title>" + html.EscapeString(title) +
		"</title></head><body><h1>" + html.EscapeString(title) + "</h1><p>" +
		html.EscapeString(message) + "</p></body></html>"
}
