package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authbridge "github.com/giantswarm/mcp-authbridge"
	"github.com/giantswarm/mcp-authbridge/internal/config"
	"github.com/giantswarm/mcp-authbridge/internal/testutil"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/storage/memory"
	"github.com/giantswarm/mcp-authbridge/storage/sqlstore"
)

const testKeyID = "idp-key"

// fakeIdP serves OIDC discovery and a JWKS for one RSA key
func fakeIdP(t *testing.T) (issuer string, key *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/authorize",
			"jwks_uri":                              issuer + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	issuer = srv.URL
	return issuer, key
}

// fakePaywallAPI answers the customer and subscription endpoints
func fakePaywallAPI(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cus_1", "external_id": "user_1"})
	})
	mux.HandleFunc("/v1/customers/external/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sub_1", "status": "trialing"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(t *testing.T) (*config.Config, *rsa.PrivateKey) {
	t.Helper()
	issuer, key := fakeIdP(t)

	v := config.New()
	v.Set("issuer", "http://localhost:8080")
	v.Set("signing_secret", string(testutil.GenerateSecret()))
	v.Set("allow_insecure_http", true)
	v.Set("idp.issuer", issuer)
	v.Set("idp.sign_in_url", "http://localhost:3000/sign-in")
	v.Set("paywall.base_url", fakePaywallAPI(t))
	v.Set("rate_limit.rps", 0)
	v.Set("audit_logging", false)

	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg, key
}

func sessionToken(t *testing.T, key *rsa.PrivateKey, issuer, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestBuild_EndToEnd(t *testing.T) {
	cfg, key := testConfig(t)

	b, err := build(context.Background(), cfg, testutil.DiscardLogger())
	require.NoError(t, err)
	defer b.Close()

	do := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		b.mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"cli"},
		"redirect_uri":  {"http://127.0.0.1:8765/callback"},
		"state":         {"xyz"},
	}
	rec = do(httptest.NewRequest(http.MethodGet, authbridge.PathAuthorize+"?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "http://localhost:3000/sign-in?redirect_url="))

	var stash *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == authbridge.StashCookieName {
			stash = c
		}
	}
	require.NotNil(t, stash)
	assert.False(t, stash.Secure, "plain http issuer")

	callback := httptest.NewRequest(http.MethodGet, authbridge.PathCallback, nil)
	callback.AddCookie(stash)
	callback.AddCookie(&http.Cookie{Name: "__session", Value: sessionToken(t, key, cfg.IdP.Issuer, "user_1")})
	rec = do(callback)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8765", location.Host, rec.Header().Get("Location"))

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {location.Query().Get("code")},
		"client_id":  {"cli"},
	}
	req := httptest.NewRequest(http.MethodPost, authbridge.PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var grant authbridge.TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&grant))

	req = httptest.NewRequest(http.MethodGet, authbridge.PathSubscription, nil)
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	rec = do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"active":true`)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("unreachable identity provider", func(t *testing.T) {
		cfg, _ := testConfig(t)
		cfg.IdP.Issuer = "http://127.0.0.1:1"
		_, err := build(context.Background(), cfg, testutil.DiscardLogger())
		assert.Error(t, err)
	})

	t.Run("short signing secret", func(t *testing.T) {
		cfg, _ := testConfig(t)
		cfg.SigningSecret = "short"
		_, err := build(context.Background(), cfg, testutil.DiscardLogger())
		assert.Error(t, err)
	})
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := testutil.DiscardLogger()

	t.Run("memory", func(t *testing.T) {
		store, closeStore, err := openStore(ctx, config.StorageConfig{Backend: config.BackendMemory}, logger, nil)
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &memory.Store{}, store)
	})

	t.Run("sqlite with migrations", func(t *testing.T) {
		store, closeStore, err := openStore(ctx, config.StorageConfig{
			Backend:        config.BackendSQL,
			SQLDialect:     "sqlite",
			SQLDSN:         filepath.Join(t.TempDir(), "tokens.db"),
			SQLAutoMigrate: true,
		}, logger, nil)
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &sqlstore.Store{}, store)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("bad dialect", func(t *testing.T) {
		_, _, err := openStore(ctx, config.StorageConfig{Backend: config.BackendSQL, SQLDialect: "oracle", SQLDSN: "x"}, logger, nil)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, _, err := openStore(ctx, config.StorageConfig{Backend: "etcd"}, logger, nil)
		assert.Error(t, err)
	})
}

func TestMigrateCmd(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tokens.db")

	run := func(args ...string) (string, error) {
		cmd := NewRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("migrate", "--storage-backend", "sql", "--sql-dsn", dsn)
	require.NoError(t, err, out)
	assert.Contains(t, out, "applied 2 migration(s)")

	out, err = run("migrate", "--storage-backend", "sql", "--sql-dsn", dsn)
	require.NoError(t, err, out)
	assert.Contains(t, out, "applied 0 migration(s)")

	_, err = run("migrate", "--storage-backend", "memory")
	assert.Error(t, err)
}
