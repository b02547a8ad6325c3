package authsdk

import (
	"fmt"
	"net/url"

	"github.com/aussiebroadwan/shelfauth/pkg/cryptox"
	"golang.org/x/oauth2"
)

// VerifierLength is the length of generated PKCE code verifiers, the RFC 7636 maximum.
const VerifierLength = 128

// PKCEChallenge holds the PKCE verifier and challenge pair.
// The verifier is kept secret by the client, and the challenge is sent to the authorization endpoint.
type PKCEChallenge struct {
	// Verifier is 128 characters from the unreserved alphabet (kept secret)
	Verifier string

	// Challenge is the base64url-encoded SHA256 hash of the verifier (sent to server)
	Challenge string

	// Method is always "S256" for SHA256
	Method string
}

// GeneratePKCEChallenge creates a new PKCE code verifier and challenge pair.
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := cryptox.RandomString(VerifierLength, cryptox.UnreservedAlphabet)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}, nil
}

// BuildAuthorizeURL constructs the authorization URL the user's browser is
// sent to. The device fingerprint is bound to the request so the provider
// can tie the issued refresh token to this device.
//
// Example:
//
//	pkce, _ := authsdk.GeneratePKCEChallenge()
//	u, _ := client.BuildAuthorizeURL(pkce, fingerprint)
//	// persist pkce.Verifier, then open u in a browser
func (c *Client) BuildAuthorizeURL(pkce *PKCEChallenge, fingerprint string) (string, error) {
	u, err := url.Parse(c.Endpoints.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	params := u.Query()
	params.Set("client_id", c.ClientID)
	params.Set("redirect_uri", c.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", c.Scope)
	params.Set("code_challenge_method", pkce.Method)
	params.Set("code_challenge", pkce.Challenge)
	params.Set("fingerprint", fingerprint)
	u.RawQuery = params.Encode()

	return u.String(), nil
}

// ParseAuthorizationCallback extracts the authorization code and state from a callback URL.
// Returns an *OAuth2Error if the provider redirected back with an error.
func ParseAuthorizationCallback(callbackURL string) (code, state string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse callback URL: %w", err)
	}

	return parseCallbackQuery(u.Query())
}

func parseCallbackQuery(query url.Values) (code, state string, err error) {
	if errorCode := query.Get("error"); errorCode != "" {
		return "", "", fmt.Errorf("authorization error: %w", &OAuth2Error{
			Code:        errorCode,
			Description: query.Get("error_description"),
		})
	}

	code = query.Get("code")
	if code == "" {
		return "", "", fmt.Errorf("callback missing authorization code")
	}

	return code, query.Get("state"), nil
}
