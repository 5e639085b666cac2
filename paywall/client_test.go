package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "test-api-key",
		Timeout: 2 * time.Second,
		Logger:  testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{"empty", ""},
		{"relative", "/v1"},
		{"no host", "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPClient(HTTPConfig{BaseURL: tt.baseURL})
			assert.Error(t, err)
		})
	}
}

func TestHTTPClient_EnsureCustomer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user_1", body["external_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cus_1","external_id":"user_1"}`))
	}))

	customer, err := c.EnsureCustomer(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customer.ID)
	assert.Equal(t, "user_1", customer.ExternalID)
}

func TestHTTPClient_Subscription(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.EscapedPath() {
		case "/v1/customers/external/user_1/subscription":
			_, _ = w.Write([]byte(`{"id":"sub_1","status":"active","plan":"pro"}`))
		case "/v1/customers/external/user%2F2/subscription":
			http.Error(w, "no subscription", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))

	sub, err := c.Subscription(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.True(t, sub.Active())

	sub, err = c.Subscription(context.Background(), "user/2")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, sub.Status)
	assert.False(t, sub.Active())

	_, err = c.Subscription(context.Background(), "user_3")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusInternalServerError, upstreamErr.StatusCode)
	assert.Equal(t, "subscription", upstreamErr.Op)
	assert.Contains(t, upstreamErr.Error(), "boom")
}

func TestHTTPClient_CancelSubscription(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/customers/external/user_1/subscription/cancel", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.CancelSubscription(context.Background(), "user_1"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_DecodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))

	_, err := c.EnsureCustomer(context.Background(), "user_1")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusOK, upstreamErr.StatusCode)
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)

	_, err = c.EnsureCustomer(context.Background(), "user_1")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Zero(t, upstreamErr.StatusCode)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPClient_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"canceled"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", Logger: testutil.DiscardLogger()})
	require.NoError(t, err)

	sub, err := c.Subscription(context.Background(), "user_1")
	require.NoError(t, err)
	assert.False(t, sub.Active())
}
