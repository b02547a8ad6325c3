package jwtx

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims the client reads. Only exp is relied
// on; the rest is informational.
type Claims struct {
	jwt.RegisteredClaims

	// Username for the authenticated user
	Username string `json:"username,omitempty"`

	// Roles granted to the user, e.g. ["admin"]
	Roles []string `json:"roles,omitempty"`

	// Permission scopes
	Scopes []string `json:"scopes,omitempty"`
}

// Expiry returns the exp claim. Tokens without exp are treated as malformed,
// since the client could never schedule a refresh for them.
func (c *Claims) Expiry() (time.Time, error) {
	if c.ExpiresAt == nil {
		return time.Time{}, ErrMissingExpiry
	}
	return c.ExpiresAt.Time, nil
}

// ExpiredAt reports whether the token is expired at now.
func (c *Claims) ExpiredAt(now time.Time) bool {
	exp, err := c.Expiry()
	if err != nil {
		return true
	}
	return !now.Before(exp)
}

// ExpiresWithin reports whether the token expires within margin of now.
func (c *Claims) ExpiresWithin(now time.Time, margin time.Duration) bool {
	exp, err := c.Expiry()
	if err != nil {
		return true
	}
	return !now.Add(margin).Before(exp)
}

// HasRole reports whether role is present in the roles claim.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}
