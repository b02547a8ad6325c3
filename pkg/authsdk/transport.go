package authsdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenRefresher resolves a 401. *Coordinator implements it.
type TokenRefresher interface {
	RefreshIfNeeded(ctx context.Context) error
}

// Transport is an http.RoundTripper that authenticates requests with the
// session's token. On a 401, if the session holds a refresh token, it waits
// for the shared refresh and retries the request exactly once with the new
// token. If the refresh fails the original 401 is returned.
type Transport struct {
	Base      http.RoundTripper
	Session   *SessionStore
	Refresher TokenRefresher
	Logger    *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(session *SessionStore, refresher TokenRefresher, base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{Base: base, Session: session, Refresher: refresher, Logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := t.Base.RoundTrip(t.authorize(req, t.Session.Token()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	current := t.Session.Token()
	if current == nil || current.RefreshToken == "" {
		return resp, nil
	}

	retry, ok := replayable(req)
	if !ok {
		t.Logger.Debug("401 on a request whose body cannot be replayed; not retrying", "path", req.URL.Path)
		return resp, nil
	}

	// Drain the 401 so its connection is free during the refresh. Anything
	// past maxErrorBody stays on the original body and is still readable if
	// the 401 is handed back.
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to read 401 response: %w", err)
	}
	original := resp.Body
	resp.Body = &replayedBody{Reader: io.MultiReader(bytes.NewReader(head), original), Closer: original}

	if err := t.Refresher.RefreshIfNeeded(ctx); err != nil {
		t.Logger.Info("refresh after 401 failed; returning original response", "path", req.URL.Path, "error", err)
		return resp, nil
	}

	token := t.Session.Token()
	if token == nil {
		return resp, nil
	}

	original.Close()
	return t.Base.RoundTrip(t.authorize(retry, token))
}

// replayedBody serves the buffered head of a response followed by the rest of
// the original body.
type replayedBody struct {
	io.Reader
	io.Closer
}

// authorize returns a clone of req carrying token, if any.
func (t *Transport) authorize(req *http.Request, token *Token) *http.Request {
	out := req.Clone(req.Context())
	if token != nil {
		out.Header.Set("Authorization", token.AuthorizationHeader())
	}
	return out
}

// replayable returns a copy of req with a fresh body for the retry.
func replayable(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}

	out := req.Clone(req.Context())
	out.Body = body
	return out, true
}

// ============================================================================
// ResourceClient
// ============================================================================

// ResourceClient issues authenticated calls against the resource API.
type ResourceClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewResourceClient builds a client whose requests go through transport
// (normally a *Transport).
func NewResourceClient(baseURL string, transport http.RoundTripper, timeout time.Duration) *ResourceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ResourceClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// url builds a complete URL by appending the path to the base URL.
func (c *ResourceClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL + path
}

// Do performs a request. Bodies passed as *bytes.Reader, *bytes.Buffer or
// *strings.Reader can be replayed after a refresh; other readers cannot.
func (c *ResourceClient) Do(
	ctx context.Context,
	method, path string,
	body io.Reader,
	headers map[string]string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}

// GetJSON fetches path and decodes the JSON body into target. Non-2xx
// responses are returned as *OAuth2Error.
func (c *ResourceClient) GetJSON(ctx context.Context, path string, target any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return err
	}
	return decodeJSON(resp, target)
}
