// Package testutil provides a fake identity provider, a manual clock and
// token helpers shared by package tests.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/httpx"
	"github.com/aussiebroadwan/shelfauth/pkg/idx"
	"github.com/aussiebroadwan/shelfauth/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
)

const (
	TestClientID    = "book-app"
	TestRedirectURI = "http://127.0.0.1:5173/callback"
)

type pendingCode struct {
	challenge   string
	fingerprint string
	redirectURI string
}

// IdP is an in-process identity provider and resource API. It verifies PKCE
// (S256) and fingerprint binding exactly like the real provider, rotates
// refresh tokens, and counts every exchange.
type IdP struct {
	Server *httptest.Server
	Clock  *ManualClock

	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration

	// RotateRefresh controls whether a refresh returns a new refresh token.
	RotateRefresh atomic.Bool

	// FailRefresh makes every refresh_token grant fail with invalid_grant.
	FailRefresh atomic.Bool

	User authsdk.User

	secret []byte

	mu        sync.Mutex
	codes     map[string]pendingCode
	refresh   map[string]string // refresh token -> fingerprint
	revoked   map[string]bool   // access tokens rejected by the API
	gate      chan struct{}
	lastQuery url.Values
	apiAuth   []string

	ExchangeCalls atomic.Int32
	RefreshCalls  atomic.Int32
	APICalls      atomic.Int32
}

// NewIdP starts a fake provider. Its clock starts at a fixed instant.
func NewIdP(t *testing.T) *IdP {
	t.Helper()

	p := &IdP{
		Clock:     NewManualClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		AccessTTL: 15 * time.Minute,
		User: authsdk.User{
			ID:        "7",
			Username:  "alice",
			Roles:     []string{"reader"},
			AvatarURL: "https://example.test/alice.png",
		},
		secret:  []byte("idp-test-secret"),
		codes:   make(map[string]pendingCode),
		refresh: make(map[string]string),
		revoked: make(map[string]bool),
	}
	p.RotateRefresh.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /oauth/authorize", p.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", p.handleToken)
	mux.HandleFunc("GET /oauth/me", p.handleUserInfo)
	mux.HandleFunc("/api/", p.handleAPI)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Endpoints returns the provider's URLs.
func (p *IdP) Endpoints() authsdk.Endpoints {
	return authsdk.Endpoints{
		AuthorizeURL: p.Server.URL + "/oauth/authorize",
		TokenURL:     p.Server.URL + "/oauth/token",
		UserInfoURL:  p.Server.URL + "/oauth/me",
	}
}

// Client returns an authsdk.Client pointed at the provider.
func (p *IdP) Client() *authsdk.Client {
	c := authsdk.NewClient(TestClientID, TestRedirectURI, p.Endpoints())
	c.HTTPClient = p.Server.Client()
	return c
}

// APIURL returns the base URL of the protected resource API.
func (p *IdP) APIURL() string { return p.Server.URL + "/api" }

// HoldRefreshes makes refresh grants block until the returned release func is called.
func (p *IdP) HoldRefreshes() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.gate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// Revoke makes the API reject access with 401 even before it expires.
func (p *IdP) Revoke(access string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[access] = true
}

// LastAuthorizeQuery returns the query of the last authorize request.
func (p *IdP) LastAuthorizeQuery() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastQuery
}

// APIAuthorizations returns the Authorization headers the API has seen.
func (p *IdP) APIAuthorizations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.apiAuth...)
}

// MintAccessToken signs an access token for the test user expiring at exp.
func (p *IdP) MintAccessToken(exp time.Time) string {
	claims := jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Server.URL,
			Subject:   string(p.User.ID),
			IssuedAt:  jwt.NewNumericDate(p.Clock.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        idx.New().String(),
		},
		Username: p.User.Username,
		Roles:    p.User.Roles,
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		panic(fmt.Sprintf("testutil: sign token: %v", err))
	}
	return tok
}

// IssueRefreshToken registers a refresh token bound to fingerprint.
func (p *IdP) IssueRefreshToken(fingerprint string) string {
	rt := "rt-" + idx.New().String()
	p.mu.Lock()
	p.refresh[rt] = fingerprint
	p.mu.Unlock()
	return rt
}

// Authorize performs the browser half of the flow for authorizeURL and
// returns the code from the redirect.
func (p *IdP) Authorize(authorizeURL string) (string, error) {
	client := p.Server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Get(authorizeURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return "", fmt.Errorf("authorize returned %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", err
	}
	return loc.Query().Get("code"), nil
}

func (p *IdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Server.URL,
		"authorization_endpoint":                p.Server.URL + "/oauth/authorize",
		"token_endpoint":                        p.Server.URL + "/oauth/token",
		"userinfo_endpoint":                     p.Server.URL + "/oauth/me",
		"jwks_uri":                              p.Server.URL + "/oauth/jwks",
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *IdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	p.mu.Lock()
	p.lastQuery = q
	p.mu.Unlock()

	switch {
	case q.Get("client_id") != TestClientID:
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	case q.Get("response_type") != "code":
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "code only")
		return
	case q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "S256 code challenge required")
		return
	case q.Get("fingerprint") == "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "fingerprint required")
		return
	}

	code := "code-" + idx.New().String()
	p.mu.Lock()
	p.codes[code] = pendingCode{
		challenge:   q.Get("code_challenge"),
		fingerprint: q.Get("fingerprint"),
		redirectURI: q.Get("redirect_uri"),
	}
	p.mu.Unlock()

	http.Redirect(w, r, q.Get("redirect_uri")+"?code="+url.QueryEscape(code), http.StatusFound)
}

func (p *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad form")
		return
	}
	if r.PostForm.Get("client_id") != TestClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchangeCode(w, r.PostForm)
	case "refresh_token":
		p.refreshToken(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *IdP) exchangeCode(w http.ResponseWriter, form url.Values) {
	p.ExchangeCalls.Add(1)

	p.mu.Lock()
	pending, ok := p.codes[form.Get("code")]
	delete(p.codes, form.Get("code"))
	p.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
		return
	}

	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	switch {
	case base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	case form.Get("fingerprint") != pending.fingerprint:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "fingerprint mismatch")
		return
	case form.Get("redirect_uri") != pending.redirectURI:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	p.writeTokens(w, p.IssueRefreshToken(pending.fingerprint))
}

func (p *IdP) refreshToken(w http.ResponseWriter, r *http.Request) {
	p.RefreshCalls.Add(1)

	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if p.FailRefresh.Load() {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "refresh token revoked")
		return
	}

	rt := r.PostForm.Get("refresh_token")

	p.mu.Lock()
	fingerprint, ok := p.refresh[rt]
	if ok && p.RotateRefresh.Load() {
		delete(p.refresh, rt)
	}
	p.mu.Unlock()

	switch {
	case !ok:
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "unknown refresh token")
		return
	case r.PostForm.Get("fingerprint") != fingerprint:
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "fingerprint mismatch")
		return
	}

	if p.RotateRefresh.Load() {
		p.writeTokens(w, p.IssueRefreshToken(fingerprint))
		return
	}
	p.writeTokens(w, "")
}

func (p *IdP) writeTokens(w http.ResponseWriter, refreshToken string) {
	body := map[string]any{
		"access_token": p.MintAccessToken(p.Clock.Now().Add(p.AccessTTL)),
		"token_type":   "Bearer",
		"expires_in":   int(p.AccessTTL.Seconds()),
	}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

// validAccess reports whether the Authorization header carries a live,
// unrevoked token signed by this provider.
func (p *IdP) validAccess(header string) bool {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}

	p.mu.Lock()
	revoked := p.revoked[raw]
	p.mu.Unlock()
	if revoked {
		return false
	}

	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	return err == nil
}

func (p *IdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if !p.validAccess(r.Header.Get("Authorization")) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	// The provider sends numeric ids.
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":         json.Number(p.User.ID),
		"username":   p.User.Username,
		"roles":      p.User.Roles,
		"avatar_url": p.User.AvatarURL,
	})
}

func (p *IdP) handleAPI(w http.ResponseWriter, r *http.Request) {
	p.APICalls.Add(1)

	auth := r.Header.Get("Authorization")
	p.mu.Lock()
	p.apiAuth = append(p.apiAuth, auth)
	p.mu.Unlock()

	if !p.validAccess(auth) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	body, _ := io.ReadAll(r.Body)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"body":   string(body),
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	httpx.WriteJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
