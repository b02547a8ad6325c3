package authsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
	"github.com/aussiebroadwan/shelfauth/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func (h *harness) resourceClient() *authsdk.ResourceClient {
	transport := authsdk.NewTransport(h.session, h.coord, h.idp.Server.Client().Transport, slogx.Discard())
	return authsdk.NewResourceClient(h.idp.APIURL(), transport, 5*time.Second)
}

func TestTransport_AttachesToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tok := h.signIn(t, time.Hour)

	var body map[string]any
	require.NoError(t, h.resourceClient().GetJSON(context.Background(), "books", &body))
	require.Equal(t, "/api/books", body["path"])

	require.Equal(t, []string{"Bearer " + tok.AccessToken}, h.idp.APIAuthorizations())
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := h.signIn(t, 90*time.Second)
	h.idp.Revoke(stale.AccessToken)

	client := h.resourceClient()
	release := h.idp.HoldRefreshes()

	const requests = 3
	statuses := make(chan int, requests)
	var wg sync.WaitGroup
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Do(context.Background(), http.MethodGet, "/books", nil, nil)
			if err != nil {
				statuses <- -1
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}

	// Every request has hit the API with the stale token and is waiting.
	require.Eventually(t, func() bool {
		return h.idp.APICalls.Load() == requests && h.idp.RefreshCalls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()
	close(statuses)

	for status := range statuses {
		require.Equal(t, http.StatusOK, status)
	}
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())
	require.EqualValues(t, 2*requests, h.idp.APICalls.Load())

	fresh := "Bearer " + h.session.Token().AccessToken
	auths := h.idp.APIAuthorizations()
	var retried int
	for _, a := range auths {
		if a == fresh {
			retried++
		}
	}
	require.Equal(t, requests, retried)
}

func TestTransport_RefreshFailureReturnsOriginal401(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := h.signIn(t, 90*time.Second)
	h.idp.Revoke(stale.AccessToken)
	h.idp.FailRefresh.Store(true)

	resp, err := h.resourceClient().Do(context.Background(), http.MethodGet, "/books", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "invalid_token", body["error"])

	require.EqualValues(t, 1, h.idp.APICalls.Load())
	require.False(t, h.session.IsAuthenticated())
	require.Equal(t, authsdk.StateLoggedOut, h.coord.State())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type refresherFunc func(context.Context) error

func (f refresherFunc) RefreshIfNeeded(ctx context.Context) error { return f(ctx) }

func unauthorized(body io.Reader) roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{},
			Body:       io.NopCloser(body),
			Request:    req,
		}, nil
	}
}

func TestTransport_LargeUnauthorizedBodyIsReturnedWhole(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, time.Minute)

	payload := strings.Repeat("x", 200<<10)
	refreshes := 0
	tr := authsdk.NewTransport(h.session, refresherFunc(func(context.Context) error {
		refreshes++
		return errors.New("refresh failed")
	}), unauthorized(strings.NewReader(payload)), slogx.Discard())

	req, err := http.NewRequest(http.MethodGet, "http://api.test/books", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 1, refreshes)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
}

func TestTransport_UnreadableUnauthorizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, time.Minute)

	refreshes := 0
	tr := authsdk.NewTransport(h.session, refresherFunc(func(context.Context) error {
		refreshes++
		return nil
	}), unauthorized(iotest.ErrReader(errors.New("connection reset"))), slogx.Discard())

	req, err := http.NewRequest(http.MethodGet, "http://api.test/books", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.ErrorContains(t, err, "connection reset")
	require.Nil(t, resp)
	require.Zero(t, refreshes)
}

func TestTransport_RetriesExactlyOnce(t *testing.T) {
	t.Parallel()

	// The token is far from expiry, so no exchange happens and the retry
	// carries the same token and fails again.
	h := newHarness(t)
	tok := h.signIn(t, time.Hour)
	h.idp.Revoke(tok.AccessToken)

	resp, err := h.resourceClient().Do(context.Background(), http.MethodGet, "/books", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 2, h.idp.APICalls.Load())
	require.Zero(t, h.idp.RefreshCalls.Load())
}

func TestTransport_ReplaysBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := h.signIn(t, 90*time.Second)
	h.idp.Revoke(stale.AccessToken)

	resp, err := h.resourceClient().Do(context.Background(), http.MethodPost, "/books",
		strings.NewReader(`{"title":"Dune"}`), map[string]string{"Content-Type": "application/json"})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, `{"title":"Dune"}`, body["body"])
	require.EqualValues(t, 1, h.idp.RefreshCalls.Load())
}

func TestTransport_NonReplayableBodyIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := h.signIn(t, 90*time.Second)
	h.idp.Revoke(stale.AccessToken)

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("streamed"))
		pw.Close()
	}()

	resp, err := h.resourceClient().Do(context.Background(), http.MethodPost, "/books", pr, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, h.idp.APICalls.Load())
	require.Zero(t, h.idp.RefreshCalls.Load())
}

func TestTransport_Unauthenticated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	resp, err := h.resourceClient().Do(context.Background(), http.MethodGet, "/books", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, []string{""}, h.idp.APIAuthorizations())
	require.Zero(t, h.idp.RefreshCalls.Load())
}

func TestResourceClient_GetJSONError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var out map[string]any
	err := h.resourceClient().GetJSON(context.Background(), "/books", &out)

	var oerr *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, http.StatusUnauthorized, oerr.StatusCode)
	require.Equal(t, "invalid_token", oerr.Code)
}
