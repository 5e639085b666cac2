package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/server"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHBRIDGE_ISSUER", "https://bridge.example.com")
	t.Setenv("AUTHBRIDGE_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUTHBRIDGE_IDP_ISSUER", "https://clerk.example.com")
	t.Setenv("AUTHBRIDGE_IDP_SIGN_IN_URL", "https://accounts.example.com/sign-in")
	t.Setenv("AUTHBRIDGE_PAYWALL_BASE_URL", "https://billing.example.com")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://bridge.example.com", cfg.Issuer)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, server.DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	assert.Equal(t, server.DefaultRefreshTokenTTL, cfg.RefreshTokenTTL)
	assert.Equal(t, 5*time.Second, cfg.Paywall.CacheTTL)
	assert.Equal(t, 10000, cfg.Paywall.CacheMaxEntries)
	assert.Equal(t, 10, cfg.RateLimit.RPS)
	assert.True(t, cfg.AuditLogging)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Environment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AUTHBRIDGE_ACCESS_TOKEN_TTL", "30m")
	t.Setenv("AUTHBRIDGE_STORAGE_BACKEND", "valkey")
	t.Setenv("AUTHBRIDGE_STORAGE_VALKEY_ADDRESS", "valkey:6379")
	t.Setenv("AUTHBRIDGE_SUPPORTED_SCOPES", "openid,profile")
	t.Setenv("AUTHBRIDGE_DISABLE_REFRESH_TOKEN_ROTATION", "true")
	t.Setenv("AUTHBRIDGE_PAYWALL_CACHE_TTL", "2s")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, BackendValkey, cfg.Storage.Backend)
	assert.Equal(t, "valkey:6379", cfg.Storage.ValkeyAddress)
	assert.Equal(t, []string{"openid", "profile"}, cfg.SupportedScopes)
	assert.True(t, cfg.DisableRefreshTokenRotation)
	assert.Equal(t, 2*time.Second, cfg.Paywall.CacheTTL)
}

func TestLoad_Flags(t *testing.T) {
	setRequiredEnv(t)

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--listen-addr", ":9999", "--issuer", "https://flag.example.com", "--metrics"}))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "https://flag.example.com", cfg.Issuer, "flags win over the environment")
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "authbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
storage:
  backend: sql
  sql_dsn: /var/lib/authbridge/tokens.db
clients:
  - id: cli
    redirect_uris:
      - http://127.0.0.1:8765/callback
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendSQL, cfg.Storage.Backend)
	assert.Equal(t, "sqlite", cfg.Storage.SQLDialect)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "cli", cfg.Clients[0].ID)
	assert.Equal(t, []string{"http://127.0.0.1:8765/callback"}, cfg.Clients[0].RedirectURIs)

	sc := cfg.ServerConfig()
	require.Len(t, sc.Clients, 1)
	assert.Equal(t, "cli", sc.Clients[0].ID)
}

func TestReadFile_Missing(t *testing.T) {
	assert.NoError(t, ReadFile(New(), ""))
	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantField string
	}{
		{"missing issuer", map[string]string{"AUTHBRIDGE_ISSUER": ""}, "issuer"},
		{"missing secret", map[string]string{"AUTHBRIDGE_SIGNING_SECRET": ""}, "signing_secret"},
		{"missing idp issuer", map[string]string{"AUTHBRIDGE_IDP_ISSUER": ""}, "idp.issuer"},
		{"missing sign-in url", map[string]string{"AUTHBRIDGE_IDP_SIGN_IN_URL": " "}, "idp.sign_in_url"},
		{"missing paywall", map[string]string{"AUTHBRIDGE_PAYWALL_BASE_URL": ""}, "paywall.base_url"},
		{"unknown backend", map[string]string{"AUTHBRIDGE_STORAGE_BACKEND": "etcd"}, "storage.backend"},
		{"valkey without address", map[string]string{"AUTHBRIDGE_STORAGE_BACKEND": "valkey"}, "storage.valkey_address"},
		{"sql without dsn", map[string]string{"AUTHBRIDGE_STORAGE_BACKEND": "sql"}, "storage.sql_dsn"},
		{"bad log level", map[string]string{"AUTHBRIDGE_LOG_LEVEL": "loud"}, "log_level"},
		{"negative rate", map[string]string{"AUTHBRIDGE_RATE_LIMIT_RPS": "-1"}, "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(New())
			require.Error(t, err)
			assert.True(t, errors.Is(err, server.ErrConfiguration))

			var cfgErr *server.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestServerConfig(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(New())
	require.NoError(t, err)

	sc := cfg.ServerConfig()
	assert.Equal(t, cfg.Issuer, sc.Issuer)
	assert.Equal(t, []byte(cfg.SigningSecret), sc.SigningSecret)
	assert.Equal(t, cfg.AccessTokenTTL, sc.AccessTokenTTL)
	assert.Empty(t, sc.Clients)
	assert.Zero(t, sc.AuthorizationCodeTTL, "left to the server defaults")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	cfg = &Config{LogLevel: "debug", LogFormat: "text"}
	cfg.NewLogger(&buf).Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
