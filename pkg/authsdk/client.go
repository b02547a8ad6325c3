package authsdk

import (
	"net/http"
	"time"
)

// Endpoints are the identity provider URLs the client talks to.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
}

// Client is a public (secretless) OAuth2 client for the identity provider.
// It performs the raw grants; session state lives in SessionStore.
type Client struct {
	ClientID    string
	RedirectURI string

	// Scope is sent verbatim on the authorization request, even when empty.
	Scope string

	Endpoints  Endpoints
	HTTPClient *http.Client
}

// NewClient creates a client with a 10 second HTTP timeout.
func NewClient(clientID, redirectURI string, endpoints Endpoints) *Client {
	return &Client{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Endpoints:   endpoints,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}
