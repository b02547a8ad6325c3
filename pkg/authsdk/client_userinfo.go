package authsdk

import (
	"context"
	"fmt"
	"net/http"
)

// GetUserInfo fetches the profile of the user the token was issued to.
func (c *Client) GetUserInfo(ctx context.Context, token *Token) (*User, error) {
	if token == nil || token.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", ErrUserInfoFailed, err)
	}

	var user User
	if err := decodeJSON(resp, &user); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFailed, err)
	}

	return &user, nil
}
