package authsdk

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/shelfauth/pkg/jwtx"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Sentinel Errors
// ============================================================================

var (
	// ErrFingerprintUnavailable means no device fingerprint could be produced.
	ErrFingerprintUnavailable = errors.New("authsdk: device fingerprint unavailable")

	// ErrMissingPKCEState means the code verifier or fingerprint from
	// StartLogin is not in storage.
	ErrMissingPKCEState = errors.New("authsdk: missing PKCE state")

	// ErrTokenExchangeFailed wraps a failed authorization_code exchange.
	ErrTokenExchangeFailed = errors.New("authsdk: token exchange failed")

	// ErrMissingRefreshToken means a refresh was needed but there is no
	// refresh token (or fingerprint) to perform it with.
	ErrMissingRefreshToken = errors.New("authsdk: missing refresh token")

	// ErrRefreshRequestFailed wraps a failed refresh_token exchange.
	ErrRefreshRequestFailed = errors.New("authsdk: refresh request failed")

	// ErrMalformedTokenPayload is returned when the access token payload
	// cannot be decoded.
	ErrMalformedTokenPayload = jwtx.ErrMalformed

	// ErrIncompleteToken rejects tokens missing an access or refresh token.
	ErrIncompleteToken = errors.New("authsdk: incomplete token")

	// ErrUserInfoFailed wraps a failed userinfo request.
	ErrUserInfoFailed = errors.New("authsdk: userinfo request failed")

	// ErrNotAuthenticated is returned when an operation needs a token and
	// the session holds none.
	ErrNotAuthenticated = errors.New("authsdk: not authenticated")
)

// ============================================================================
// OAuth2 Error Codes (RFC 6749)
// ============================================================================

const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeServerError    = "server_error"
	ErrorCodeAccessDenied   = "access_denied"
)

// ============================================================================
// OAuth2Error - Standard OAuth2 error type
// ============================================================================

// OAuth2Error represents an error response from the identity provider or
// the resource API.
type OAuth2Error struct {
	// StatusCode is the HTTP status code for this error
	StatusCode int `json:"-"`

	// Code is the OAuth2 error code (e.g., "invalid_request", "invalid_grant")
	Code string `json:"error"`

	// Description is a human-readable description of the error
	Description string `json:"error_description"`
}

// Error implements the error interface.
func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// parseErrorResponse turns a non-2xx response body into an *OAuth2Error.
// It understands RFC 6749 bodies ({"error","error_description"}) and the
// common {"code","message"} / {"detail"} shapes. Returns nil for 2xx.
func parseErrorResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	if gjson.ValidBytes(body) {
		fields := gjson.GetManyBytes(body, "error", "error_description", "code", "message", "detail")

		if code := fields[0]; code.Type == gjson.String && code.Str != "" {
			return &OAuth2Error{StatusCode: statusCode, Code: code.Str, Description: fields[1].String()}
		}

		if code := fields[2].String(); code != "" {
			return &OAuth2Error{StatusCode: statusCode, Code: code, Description: fields[3].String()}
		}

		if detail := fields[4].String(); detail != "" {
			return &OAuth2Error{StatusCode: statusCode, Code: codeForStatus(statusCode), Description: detail}
		}
	}

	return &OAuth2Error{
		StatusCode:  statusCode,
		Code:        codeForStatus(statusCode),
		Description: fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode)),
	}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorCodeInvalidClient
	case status >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeInvalidRequest
	}
}
