/*
Package authsdk keeps a user signed in to an OAuth2 Authorization Code + PKCE
identity provider and authenticates calls to a resource API on their behalf.

# Overview

The package is organized around five collaborators:

  - Fingerprinter: a stable device identifier the provider binds refresh tokens to
  - Handshake: the PKCE login flow (StartLogin, then ExchangeCode on callback)
  - SessionStore: the signed-in user and token, persisted in a kv.Store and observable
  - Coordinator: keeps the access token fresh, on a timer and after 401s
  - Transport: an http.RoundTripper that attaches the token and retries once after a refresh

Data flows one way: Handshake writes the SessionStore, the Coordinator reads
and writes it, and the Transport reads it and asks the Coordinator to refresh.

# Login

	client := authsdk.NewClient("book-app", "http://127.0.0.1:5173/callback", endpoints)
	handshake := authsdk.NewHandshake(client, store, authsdk.NewHostFingerprinter(), navigator, logger)

	// Persists the verifier and fingerprint, then opens the browser.
	err := handshake.StartLogin(ctx)

	// Later, from the redirect handler:
	token, err := handshake.ExchangeCode(ctx, code)
	err = session.SetTokens(ctx, token.AccessToken, token.RefreshToken, token.TokenType)
	user, err := client.GetUserInfo(ctx, token)
	err = session.SetUser(ctx, user)

# Token Refresh

The Coordinator subscribes to the SessionStore. Whenever the session gains a
token it arms a single timer for exp minus the margin (two minutes by default).
A token already inside the margin is refreshed immediately.

Refreshes are single-flight: any number of concurrent triggers, whether the
timer or requests that saw a 401, share one refresh exchange and its result.
On entering a refresh the token is checked again; if another flow already
stored a fresh token no request is made.

A refresh that cannot run (no refresh token, no fingerprint) or that fails
logs the user out and clears all persisted session state. It is never retried
automatically.

	coordinator := authsdk.NewCoordinator(session, client, handshake, authsdk.CoordinatorConfig{})
	coordinator.Start()
	defer coordinator.Stop()

# Authenticated Requests

	transport := authsdk.NewTransport(session, coordinator, nil, logger)
	api := authsdk.NewResourceClient("http://127.0.0.1:8080/api", transport, 10*time.Second)

	var books []Book
	err := api.GetJSON(ctx, "/books", &books)

A 401 with a refresh token on record waits for the shared refresh and retries
exactly once. If the refresh fails, the caller receives the original 401.

# Persisted Keys

The SessionStore and Handshake use four keys: "token", "user",
"codeVerifier" and "fingerprint". Logout removes all of them.
*/
package authsdk
