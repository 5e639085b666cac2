// Package config loads the authbridge process configuration from a config
// file, AUTHBRIDGE_* environment variables and command line flags.
//
// Precedence follows viper: flags, then environment, then the config file,
// then defaults. Nested keys map to environment variables by replacing dots
// with underscores, e.g. idp.sign_in_url is AUTHBRIDGE_IDP_SIGN_IN_URL.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/giantswarm/mcp-authbridge/server"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "AUTHBRIDGE"

// Storage backends
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendSQL    = "sql"
)

// Config is the complete process configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	Issuer                      string          `mapstructure:"issuer"`
	SigningSecret               string          `mapstructure:"signing_secret"`
	ErrorPageURL                string          `mapstructure:"error_page_url"`
	AccessTokenTTL              time.Duration   `mapstructure:"access_token_ttl"`
	RefreshTokenTTL             time.Duration   `mapstructure:"refresh_token_ttl"`
	DisableRefreshTokenRotation bool            `mapstructure:"disable_refresh_token_rotation"`
	DisableSingleUseCodes       bool            `mapstructure:"disable_single_use_codes"`
	SupportedScopes             []string        `mapstructure:"supported_scopes"`
	Clients                     []ClientConfig  `mapstructure:"clients"`
	AllowInsecureHTTP           bool            `mapstructure:"allow_insecure_http"`
	TrustProxy                  bool            `mapstructure:"trust_proxy"`
	TrustedProxyCount           int             `mapstructure:"trusted_proxy_count"`
	MaintenanceInterval         time.Duration   `mapstructure:"maintenance_interval"`
	AuditLogging                bool            `mapstructure:"audit_logging"`
	RateLimit                   RateLimitConfig `mapstructure:"rate_limit"`

	Storage StorageConfig `mapstructure:"storage"`
	IdP     IdPConfig     `mapstructure:"idp"`
	Paywall PaywallConfig `mapstructure:"paywall"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ClientConfig registers an agent client. Clients can only be set in the config file.
type ClientConfig struct {
	ID           string   `mapstructure:"id"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
}

// RateLimitConfig limits token endpoint requests per client IP. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// StorageConfig selects the refresh token store
type StorageConfig struct {
	Backend string `mapstructure:"backend"`

	ValkeyAddress   string `mapstructure:"valkey_address"`
	ValkeyPassword  string `mapstructure:"valkey_password"`
	ValkeyDB        int    `mapstructure:"valkey_db"`
	ValkeyKeyPrefix string `mapstructure:"valkey_key_prefix"`

	SQLDialect     string `mapstructure:"sql_dialect"`
	SQLDSN         string `mapstructure:"sql_dsn"`
	SQLAutoMigrate bool   `mapstructure:"sql_auto_migrate"`
}

// IdPConfig points at the identity provider whose session cookie proves the subject
type IdPConfig struct {
	Issuer        string `mapstructure:"issuer"`
	ClientID      string `mapstructure:"client_id"`
	SignInURL     string `mapstructure:"sign_in_url"`
	SessionCookie string `mapstructure:"session_cookie"`
}

// PaywallConfig configures the customer and subscription API
type PaywallConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// defaults doubles as the list of known keys, so every key must appear here
// for AUTHBRIDGE_* variables to reach Unmarshal.
var defaults = map[string]any{
	"listen_addr": ":8080",
	"log_level":   "info",
	"log_format":  "json",

	"issuer":                         "",
	"signing_secret":                 "",
	"error_page_url":                 "",
	"access_token_ttl":               server.DefaultAccessTokenTTL,
	"refresh_token_ttl":              server.DefaultRefreshTokenTTL,
	"disable_refresh_token_rotation": false,
	"disable_single_use_codes":       false,
	"supported_scopes":               []string{},
	"allow_insecure_http":            false,
	"trust_proxy":                    false,
	"trusted_proxy_count":            1,
	"maintenance_interval":           server.DefaultMaintenanceInterval,
	"audit_logging":                  true,
	"rate_limit.rps":                 10,
	"rate_limit.burst":               20,

	"storage.backend":           BackendMemory,
	"storage.valkey_address":    "",
	"storage.valkey_password":   "",
	"storage.valkey_db":         0,
	"storage.valkey_key_prefix": "",
	"storage.sql_dialect":       "sqlite",
	"storage.sql_dsn":           "",
	"storage.sql_auto_migrate":  true,

	"idp.issuer":         "",
	"idp.client_id":      "",
	"idp.sign_in_url":    "",
	"idp.session_cookie": "",

	"paywall.base_url":          "",
	"paywall.api_key":           "",
	"paywall.timeout":           10 * time.Second,
	"paywall.cache_ttl":         5 * time.Second,
	"paywall.cache_max_entries": 10000,

	"metrics.enabled": false,
	"metrics.path":    "/metrics",
}

// New returns a viper instance wired to the AUTHBRIDGE_ environment
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// flagBindings maps command line flags to configuration keys
var flagBindings = []struct {
	flag, key, usage string
}{
	{"listen-addr", "listen_addr", "address to listen on"},
	{"log-level", "log_level", "log level (debug, info, warn, error)"},
	{"log-format", "log_format", "log format (json, text)"},
	{"issuer", "issuer", "public base URL of the bridge"},
	{"storage-backend", "storage.backend", "refresh token store (memory, valkey, sql)"},
	{"valkey-address", "storage.valkey_address", "valkey server address"},
	{"sql-dialect", "storage.sql_dialect", "sql dialect (sqlite, postgres)"},
	{"sql-dsn", "storage.sql_dsn", "sql data source name"},
	{"idp-issuer", "idp.issuer", "identity provider issuer URL"},
	{"idp-sign-in-url", "idp.sign_in_url", "identity provider sign-in page"},
	{"paywall-base-url", "paywall.base_url", "paywall API base URL"},
}

// BindFlags registers the command line flags on fs and binds them to v.
// Secrets have no flags; set them through the environment or a config file.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, b := range flagBindings {
		if fs.Lookup(b.flag) == nil {
			fs.String(b.flag, fmt.Sprint(defaults[b.key]), b.usage)
		}
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", b.flag, err)
		}
	}
	if fs.Lookup("metrics") == nil {
		fs.Bool("metrics", false, "serve Prometheus metrics")
	}
	if err := v.BindPFlag("metrics.enabled", fs.Lookup("metrics")); err != nil {
		return fmt.Errorf("failed to bind flag metrics: %w", err)
	}
	return nil
}

// ReadFile merges the config file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Decode decodes the configuration held by v without validating it
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
// Deeper checks happen in the components that consume each section.
func (c *Config) Validate() error {
	required := []struct {
		field, value string
	}{
		{"issuer", c.Issuer},
		{"signing_secret", c.SigningSecret},
		{"idp.issuer", c.IdP.Issuer},
		{"idp.sign_in_url", c.IdP.SignInURL},
		{"paywall.base_url", c.Paywall.BaseURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &server.ConfigError{Field: r.field, Reason: "is required"}
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.ValkeyAddress == "" {
			return &server.ConfigError{Field: "storage.valkey_address", Reason: "is required for the valkey backend"}
		}
	case BackendSQL:
		if c.Storage.SQLDSN == "" {
			return &server.ConfigError{Field: "storage.sql_dsn", Reason: "is required for the sql backend"}
		}
	default:
		return &server.ConfigError{Field: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return &server.ConfigError{Field: "rate_limit", Reason: "must not be negative"}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return &server.ConfigError{Field: "log_level", Reason: err.Error()}
	}
	return nil
}

// ServerConfig converts c into the bridge server configuration
func (c *Config) ServerConfig() *server.Config {
	clients := make([]server.Client, 0, len(c.Clients))
	for _, cl := range c.Clients {
		clients = append(clients, server.Client{ID: cl.ID, RedirectURIs: cl.RedirectURIs})
	}

	return &server.Config{
		Issuer:                      c.Issuer,
		SigningSecret:               []byte(c.SigningSecret),
		ErrorPageURL:                c.ErrorPageURL,
		AccessTokenTTL:              c.AccessTokenTTL,
		RefreshTokenTTL:             c.RefreshTokenTTL,
		DisableRefreshTokenRotation: c.DisableRefreshTokenRotation,
		DisableSingleUseCodes:       c.DisableSingleUseCodes,
		Clients:                     clients,
		SupportedScopes:             c.SupportedScopes,
		AllowInsecureHTTP:           c.AllowInsecureHTTP,
		TrustProxy:                  c.TrustProxy,
		TrustedProxyCount:           c.TrustedProxyCount,
		MaintenanceInterval:         c.MaintenanceInterval,
	}
}

// NewLogger builds the process logger described by c
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
