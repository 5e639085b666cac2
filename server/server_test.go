package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
	"github.com/giantswarm/mcp-authbridge/providers/mock"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/storage/memory"
)

const (
	testIssuer      = "https://bridge.example.com"
	testClientID    = "c1"
	testRedirectURI = "https://x/cb"
	testSubject     = "u1"
	testState       = "s1"
)

type testEnv struct {
	srv      *Server
	store    *memory.Store
	provider *mock.Provider
	clock    *testutil.MockTime
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(testutil.Epoch)
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	provider := mock.WithSubject(testSubject)

	config := &Config{
		Issuer:        testIssuer,
		SigningSecret: testutil.GenerateSecret(),
		Clock:         clock.Now,
	}
	if mutate != nil {
		mutate(config)
	}

	srv, err := New(provider, store, config, testutil.DiscardLogger())
	require.NoError(t, err)

	return &testEnv{srv: srv, store: store, provider: provider, clock: clock}
}

// refreshOnlyStore hides the CodeLedger of the wrapped store
type refreshOnlyStore struct {
	storage.RefreshTokenStore
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	provider := mock.New()
	secret := testutil.GenerateSecret()

	t.Run("defaults", func(t *testing.T) {
		srv, err := New(provider, store, &Config{Issuer: testIssuer + "/", SigningSecret: secret}, nil)
		require.NoError(t, err)
		assert.NotNil(t, srv.Logger)
		assert.Equal(t, testIssuer, srv.Config.Issuer)
		assert.Equal(t, testIssuer+"/oauth/error", srv.Config.ErrorPageURL)
		assert.Equal(t, DefaultAuthorizationCodeTTL, srv.Config.AuthorizationCodeTTL)
		assert.Equal(t, DefaultAccessTokenTTL, srv.Config.AccessTokenTTL)
		assert.Equal(t, DefaultRefreshTokenTTL, srv.Config.RefreshTokenTTL)
		assert.Equal(t, 1, srv.Config.TrustedProxyCount)
		assert.Equal(t, testIssuer+"/oauth/callback", srv.Config.CallbackURL())
	})

	t.Run("missing provider", func(t *testing.T) {
		_, err := New(nil, store, &Config{Issuer: testIssuer, SigningSecret: secret}, nil)
		assert.Error(t, err)
	})

	t.Run("missing store", func(t *testing.T) {
		_, err := New(provider, nil, &Config{Issuer: testIssuer, SigningSecret: secret}, nil)
		assert.Error(t, err)
	})

	t.Run("nil config is a configuration error", func(t *testing.T) {
		_, err := New(provider, store, nil, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("store without code ledger", func(t *testing.T) {
		_, err := New(provider, refreshOnlyStore{store}, &Config{Issuer: testIssuer, SigningSecret: secret}, nil)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "DisableSingleUseCodes", cfgErr.Field)

		_, err = New(provider, refreshOnlyStore{store}, &Config{Issuer: testIssuer, SigningSecret: secret, DisableSingleUseCodes: true}, nil)
		assert.NoError(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	secret := testutil.GenerateSecret()
	tests := []struct {
		name      string
		config    Config
		wantField string
	}{
		{name: "valid", config: Config{Issuer: testIssuer, SigningSecret: secret}},
		{name: "loopback http issuer", config: Config{Issuer: "http://localhost:8080", SigningSecret: secret}},
		{name: "insecure issuer allowed", config: Config{Issuer: "http://bridge.internal", SigningSecret: secret, AllowInsecureHTTP: true}},
		{name: "missing issuer", config: Config{SigningSecret: secret}, wantField: "Issuer"},
		{name: "relative issuer", config: Config{Issuer: "/bridge", SigningSecret: secret}, wantField: "Issuer"},
		{name: "http issuer", config: Config{Issuer: "http://bridge.example.com", SigningSecret: secret}, wantField: "Issuer"},
		{name: "ftp issuer", config: Config{Issuer: "ftp://bridge.example.com", SigningSecret: secret}, wantField: "Issuer"},
		{name: "missing secret", config: Config{Issuer: testIssuer}, wantField: "SigningSecret"},
		{name: "short secret", config: Config{Issuer: testIssuer, SigningSecret: []byte("short")}, wantField: "SigningSecret"},
		{name: "access token TTL too long", config: Config{Issuer: testIssuer, SigningSecret: secret, AccessTokenTTL: 2 * time.Hour}, wantField: "AccessTokenTTL"},
		{name: "sub-second code TTL", config: Config{Issuer: testIssuer, SigningSecret: secret, AuthorizationCodeTTL: time.Millisecond}, wantField: "AuthorizationCodeTTL"},
		{name: "client without id", config: Config{Issuer: testIssuer, SigningSecret: secret, Clients: []Client{{RedirectURIs: []string{testRedirectURI}}}}, wantField: "Clients"},
		{name: "duplicate client", config: Config{Issuer: testIssuer, SigningSecret: secret, Clients: []Client{
			{ID: "a", RedirectURIs: []string{testRedirectURI}},
			{ID: "a", RedirectURIs: []string{testRedirectURI}},
		}}, wantField: "Clients"},
		{name: "client without redirect", config: Config{Issuer: testIssuer, SigningSecret: secret, Clients: []Client{{ID: "a"}}}, wantField: "Clients"},
		{name: "client with unsafe redirect", config: Config{Issuer: testIssuer, SigningSecret: secret, Clients: []Client{
			{ID: "a", RedirectURIs: []string{"javascript:alert(1)"}},
		}}, wantField: "Clients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := applyDefaults(&tt.config)
			err := config.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestServer_Metadata(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SupportedScopes = []string{"openid"}
	})

	md := env.srv.Metadata()
	assert.Equal(t, testIssuer, md.Issuer)
	assert.Equal(t, testIssuer+"/oauth/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/oauth/token", md.TokenEndpoint)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, md.GrantTypesSupported)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"openid"}, md.ScopesSupported)
}

func TestServer_AuthorizationErrorURL(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.ErrorPageURL = "https://app.example.com/error?lang=en"
	})

	u, err := url.Parse(env.srv.AuthorizationErrorURL(ErrorCodeAccessDenied, "no session"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "en", u.Query().Get("lang"))
	assert.Equal(t, ErrorCodeAccessDenied, u.Query().Get("error"))
	assert.Equal(t, "no session", u.Query().Get("error_description"))
}

func TestServer_Maintenance(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaintenanceInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, env.store.Put(ctx, &storage.Record{
		Token:     "expiring",
		Subject:   testSubject,
		ClientID:  testClientID,
		IssuedAt:  testutil.Epoch,
		ExpiresAt: testutil.Epoch.Add(time.Minute),
	}))

	swept := make(chan int, 16)
	env.srv.AddMaintenanceTask("cache", func(context.Context) (int, error) {
		swept <- 1
		return 1, nil
	})
	env.srv.AddMaintenanceTask("broken", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})

	env.clock.Advance(2 * time.Minute)
	env.srv.RunMaintenance(ctx)
	assert.Equal(t, 0, env.store.Len())
	assert.Len(t, swept, 1)
	<-swept

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		env.srv.Start(runCtx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not run")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}

func TestServer_Start_Disabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaintenanceInterval = -1
	})

	done := make(chan struct{})
	go func() {
		env.srv.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return at once when maintenance is disabled")
	}
}
