package authsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ExchangeAuthorizationCode trades an authorization code for tokens. The
// verifier and fingerprint must be the ones used to build the authorize URL.
func (c *Client) ExchangeAuthorizationCode(
	ctx context.Context,
	code, codeVerifier, fingerprint string,
) (*TokenResponse, error) {
	data := url.Values{
		"client_id":     {c.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.RedirectURI},
		"code_verifier": {codeVerifier},
		"fingerprint":   {fingerprint},
	}

	resp, err := c.requestToken(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}
	return resp, nil
}

// RefreshGrant requests new tokens using a refresh token. The fingerprint
// must match the one the refresh token was issued to.
func (c *Client) RefreshGrant(
	ctx context.Context,
	refreshToken, fingerprint string,
) (*TokenResponse, error) {
	data := url.Values{
		"client_id":     {c.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"fingerprint":   {fingerprint},
	}

	resp, err := c.requestToken(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshRequestFailed, err)
	}
	return resp, nil
}

func (c *Client) requestToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.Endpoints.TokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var tokenResp TokenResponse
	if err := decodeJSON(resp, &tokenResp); err != nil {
		return nil, err
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &tokenResp, nil
}
