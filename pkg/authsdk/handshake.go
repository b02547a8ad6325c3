package authsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/shelfauth/pkg/kv"
)

// Navigator sends the user agent to the authorization URL.
type Navigator interface {
	Navigate(ctx context.Context, authorizeURL string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, authorizeURL string) error

func (f NavigatorFunc) Navigate(ctx context.Context, authorizeURL string) error {
	return f(ctx, authorizeURL)
}

// Handshake runs the PKCE authorization code flow. The verifier and
// fingerprint survive in storage between StartLogin and ExchangeCode so the
// two halves may run in different processes.
type Handshake struct {
	client        *Client
	store         kv.Store
	fingerprinter Fingerprinter
	navigator     Navigator
	logger        *slog.Logger
}

func NewHandshake(
	client *Client,
	store kv.Store,
	fingerprinter Fingerprinter,
	navigator Navigator,
	logger *slog.Logger,
) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{
		client:        client,
		store:         store,
		fingerprinter: fingerprinter,
		navigator:     navigator,
		logger:        logger,
	}
}

// StartLogin generates and persists a code verifier, binds the device
// fingerprint, and navigates to the authorization endpoint. If no
// fingerprint can be produced nothing is navigated and
// ErrFingerprintUnavailable is returned.
func (h *Handshake) StartLogin(ctx context.Context) error {
	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return err
	}

	if err := h.store.Set(ctx, KeyCodeVerifier, []byte(pkce.Verifier)); err != nil {
		return fmt.Errorf("failed to persist code verifier: %w", err)
	}

	fingerprint, err := h.fingerprinter.Fingerprint(ctx)
	switch {
	case err != nil && !errors.Is(err, ErrFingerprintUnavailable):
		err = fmt.Errorf("%w: %w", ErrFingerprintUnavailable, err)
	case err == nil && fingerprint == "":
		err = ErrFingerprintUnavailable
	}
	if err != nil {
		h.logger.Error("unable to generate device fingerprint", "error", err)
		return err
	}

	if err := h.store.Set(ctx, KeyFingerprint, []byte(fingerprint)); err != nil {
		return fmt.Errorf("failed to persist fingerprint: %w", err)
	}

	authorizeURL, err := h.client.BuildAuthorizeURL(pkce, fingerprint)
	if err != nil {
		return err
	}

	h.logger.Debug("navigating to authorization endpoint", "endpoint", h.client.Endpoints.AuthorizeURL)
	if err := h.navigator.Navigate(ctx, authorizeURL); err != nil {
		return fmt.Errorf("failed to open authorization page: %w", err)
	}

	return nil
}

// ExchangeCode trades the authorization code for tokens using the persisted
// verifier and fingerprint. The caller stores the returned token.
func (h *Handshake) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	verifier, err := h.load(ctx, KeyCodeVerifier)
	if err != nil {
		return nil, err
	}

	fingerprint, err := h.load(ctx, KeyFingerprint)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.ExchangeAuthorizationCode(ctx, code, verifier, fingerprint)
	if err != nil {
		return nil, err
	}

	token := resp.Token()
	if !token.complete() {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, ErrIncompleteToken)
	}

	return token, nil
}

// StoredFingerprint returns the fingerprint bound by the last StartLogin.
func (h *Handshake) StoredFingerprint(ctx context.Context) (string, error) {
	return h.load(ctx, KeyFingerprint)
}

func (h *Handshake) load(ctx context.Context, key string) (string, error) {
	b, err := h.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) || (err == nil && len(b) == 0) {
		return "", fmt.Errorf("%w: no %s found", ErrMissingPKCEState, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	return string(b), nil
}
