package authsdk

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
)

// ============================================================================
// Session Types
// ============================================================================

// Token is the credential pair held for the signed-in user. It is persisted
// as JSON under the "token" key.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// AuthorizationHeader returns "<token_type> <access_token>".
func (t *Token) AuthorizationHeader() string {
	return t.TokenType + " " + t.AccessToken
}

func (t *Token) complete() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// User is the profile returned by the userinfo endpoint.
type User struct {
	ID        UserID   `json:"id"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	AvatarURL string   `json:"avatar_url"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return &c
}

// UserID accepts both JSON numbers and strings and always encodes as a string.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}

func (id UserID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(id))), nil
}

// SessionState is the observable state of a SessionStore. User and Token
// are set and cleared together by callers; the store does not enforce it.
type SessionState struct {
	User  *User
	Token *Token
}

func (s SessionState) clone() SessionState {
	return SessionState{User: s.User.clone(), Token: s.Token.clone()}
}

// ============================================================================
// Wire Types
// ============================================================================

// TokenResponse represents the token endpoint response. Extra fields such as
// expires_in are tolerated; expiry is always read from the JWT itself.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token converts the response into a Token, defaulting the type to Bearer.
func (r *TokenResponse) Token() *Token {
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	return &Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    tokenType,
	}
}

// DefaultTokenType is used when the server omits token_type.
const DefaultTokenType = "Bearer"
