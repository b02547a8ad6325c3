package authsdk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discover resolves the provider endpoints from the issuer's
// /.well-known/openid-configuration document. httpClient may be nil.
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (Endpoints, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover %s: %w", issuer, err)
	}

	ep := provider.Endpoint()
	return Endpoints{
		AuthorizeURL: ep.AuthURL,
		TokenURL:     ep.TokenURL,
		UserInfoURL:  provider.UserInfoEndpoint(),
	}, nil
}
