package authsdk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/aussiebroadwan/shelfauth/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEChallenge(t *testing.T) {
	t.Parallel()

	pkce, err := GeneratePKCEChallenge()
	require.NoError(t, err)
	require.NotNil(t, pkce)

	require.Len(t, pkce.Verifier, VerifierLength)
	for _, r := range pkce.Verifier {
		require.True(t, strings.ContainsRune(cryptox.UnreservedAlphabet, r), "unexpected rune %q", r)
	}
	require.Equal(t, "S256", pkce.Method)

	hash := sha256.Sum256([]byte(pkce.Verifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pkce.Challenge)

	other, err := GeneratePKCEChallenge()
	require.NoError(t, err)
	require.NotEqual(t, pkce.Verifier, other.Verifier)
}

func TestBuildAuthorizeURL(t *testing.T) {
	t.Parallel()

	client := NewClient("book-app", "http://127.0.0.1:5173/callback", Endpoints{
		AuthorizeURL: "http://127.0.0.1:5001/oauth/authorize",
	})
	pkce := &PKCEChallenge{Verifier: "v", Challenge: "c-hash", Method: "S256"}

	raw, err := client.BuildAuthorizeURL(pkce, "fp-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5001", u.Host)
	require.Equal(t, "/oauth/authorize", u.Path)

	q := u.Query()
	require.Equal(t, "book-app", q.Get("client_id"))
	require.Equal(t, "http://127.0.0.1:5173/callback", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "c-hash", q.Get("code_challenge"))
	require.Equal(t, "fp-123", q.Get("fingerprint"))

	// scope is always sent, even when empty
	require.True(t, q.Has("scope"))
	require.Empty(t, q.Get("scope"))

	t.Run("keeps existing query", func(t *testing.T) {
		c := NewClient("book-app", "http://x/cb", Endpoints{AuthorizeURL: "https://idp.test/authorize?tenant=books"})
		raw, err := c.BuildAuthorizeURL(pkce, "fp")
		require.NoError(t, err)
		require.Contains(t, raw, "tenant=books")
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		c := NewClient("book-app", "http://x/cb", Endpoints{AuthorizeURL: "://bad"})
		_, err := c.BuildAuthorizeURL(pkce, "fp")
		require.Error(t, err)
	})
}

func TestParseAuthorizationCallback(t *testing.T) {
	t.Parallel()

	t.Run("code", func(t *testing.T) {
		code, state, err := ParseAuthorizationCallback("http://127.0.0.1:5173/callback?code=abc&state=xyz")
		require.NoError(t, err)
		require.Equal(t, "abc", code)
		require.Equal(t, "xyz", state)
	})

	t.Run("provider error", func(t *testing.T) {
		_, _, err := ParseAuthorizationCallback("http://127.0.0.1:5173/callback?error=access_denied&error_description=nope")
		require.Error(t, err)

		var oerr *OAuth2Error
		require.True(t, errors.As(err, &oerr))
		require.Equal(t, ErrorCodeAccessDenied, oerr.Code)
		require.Equal(t, "nope", oerr.Description)
	})

	t.Run("missing code", func(t *testing.T) {
		_, _, err := ParseAuthorizationCallback("http://127.0.0.1:5173/callback")
		require.Error(t, err)
	})
}

func TestParseErrorResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		code   string
		desc   string
	}{
		{"rfc6749", 400, `{"error":"invalid_grant","error_description":"expired"}`, "invalid_grant", "expired"},
		{"code and message", 403, `{"code":"forbidden","message":"no"}`, "forbidden", "no"},
		{"detail", 500, `{"detail":"boom"}`, ErrorCodeServerError, "boom"},
		{"plain text 401", 401, `unauthorized`, ErrorCodeInvalidClient, "HTTP 401: Unauthorized"},
		{"empty 404", 404, ``, ErrorCodeInvalidRequest, "HTTP 404: Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseErrorResponse(tt.status, []byte(tt.body))

			var oerr *OAuth2Error
			require.True(t, errors.As(err, &oerr))
			require.Equal(t, tt.status, oerr.StatusCode)
			require.Equal(t, tt.code, oerr.Code)
			require.Equal(t, tt.desc, oerr.Description)
		})
	}

	require.NoError(t, parseErrorResponse(204, nil))
}

func TestUserID_AcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()

	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id":42,"username":"bob","roles":["admin"]}`), &u))
	require.Equal(t, UserID("42"), u.ID)
	require.True(t, u.HasRole("admin"))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"u-9"}`), &u))
	require.Equal(t, UserID("u-9"), u.ID)

	require.Error(t, json.Unmarshal([]byte(`{"id":true}`), &u))
}

func TestTokenResponse_DefaultsBearer(t *testing.T) {
	t.Parallel()

	tok := (&TokenResponse{AccessToken: "a", RefreshToken: "r"}).Token()
	require.Equal(t, DefaultTokenType, tok.TokenType)
	require.Equal(t, "Bearer a", tok.AuthorizationHeader())

	tok = (&TokenResponse{AccessToken: "a", RefreshToken: "r", TokenType: "DPoP"}).Token()
	require.Equal(t, "DPoP a", tok.AuthorizationHeader())
}
