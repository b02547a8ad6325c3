package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed     = errors.New("jwtx: malformed token")
	ErrMissingExpiry = errors.New("jwtx: token has no exp claim")
)

var parser = jwt.NewParser()

// ParseUnverified decodes the payload of a compact JWT without checking its
// signature. The client is not the audience that validates tokens; it only
// needs exp for scheduling.
func ParseUnverified(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}

	var claims Claims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return &claims, nil
}

// ExpiresAt parses token and returns its exp claim.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := ParseUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	return claims.Expiry()
}
