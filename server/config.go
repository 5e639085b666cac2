package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/security"
)

const (
	// DefaultAuthorizationCodeTTL is how long an authorization code can be exchanged
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the lifetime of issued access tokens
	DefaultAccessTokenTTL = 15 * time.Minute

	// MaxAccessTokenTTL bounds how long a revoked subject keeps working access tokens
	MaxAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the lifetime of refresh token records
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultAuthorizationRequestTTL is how long the stashed authorize parameters survive the IdP round trip
	DefaultAuthorizationRequestTTL = 10 * time.Minute

	// DefaultMaintenanceInterval is how often expired records and cache entries are swept
	DefaultMaintenanceInterval = time.Minute
)

// Client is a registered agent client
type Client struct {
	ID           string
	RedirectURIs []string
}

// Config holds the bridge configuration
type Config struct {
	// Issuer is the bridge's public base URL, e.g. "https://bridge.example.com" (required)
	Issuer string

	// SigningSecret is the process secret every token key is derived from (required, >= 32 bytes).
	// Changing it invalidates all outstanding codes and access tokens.
	SigningSecret []byte

	// ErrorPageURL receives failed authorizations as ?error=...&error_description=...
	// Default: Issuer + "/oauth/error"
	ErrorPageURL string

	AuthorizationCodeTTL    time.Duration // default: 10m
	AccessTokenTTL          time.Duration // default: 15m, at most 1h
	RefreshTokenTTL         time.Duration // default: 30 days
	AuthorizationRequestTTL time.Duration // default: 10m

	// DisableSingleUseCodes lets an authorization code be exchanged more than once until it expires
	DisableSingleUseCodes bool

	// DisableRefreshTokenRotation keeps a refresh token valid after use
	DisableRefreshTokenRotation bool

	// Clients restricts which clients may authorize and where they may be redirected.
	// When empty, any client id is accepted with any acceptable redirect URI.
	Clients []Client

	// SupportedScopes restricts requestable scopes. Empty allows all.
	SupportedScopes []string

	// AllowInsecureHTTP accepts http redirect URIs for non-loopback hosts and an http issuer.
	// Development only.
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// MaintenanceInterval is how often Start sweeps expired state. Negative disables the loop.
	MaintenanceInterval time.Duration

	// Clock overrides time.Now for tests
	Clock func() time.Time
}

// ProxyPolicy returns the client IP policy for the security package
func (c *Config) ProxyPolicy() security.ProxyPolicy {
	return security.ProxyPolicy{TrustProxy: c.TrustProxy, TrustedProxyCount: c.TrustedProxyCount}
}

// CallbackURL is where the identity provider sends the browser back to
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/oauth/callback"
}

// applyDefaults fills in zero values
func applyDefaults(config *Config) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.AuthorizationRequestTTL == 0 {
		config.AuthorizationRequestTTL = DefaultAuthorizationRequestTTL
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaintenanceInterval == 0 {
		config.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if config.ErrorPageURL == "" && config.Issuer != "" {
		config.ErrorPageURL = config.Issuer + "/oauth/error"
	}
	return config
}

// Validate reports the first unusable setting as a *ConfigError
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return &ConfigError{Field: "Issuer", Reason: "is required"}
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" {
		return &ConfigError{Field: "Issuer", Reason: "must be an absolute URL"}
	}
	if u.Scheme != SchemeHTTPS {
		if u.Scheme != SchemeHTTP {
			return &ConfigError{Field: "Issuer", Reason: "must use https"}
		}
		if !c.AllowInsecureHTTP && !util.IsLoopbackHostname(u.Hostname()) {
			return &ConfigError{Field: "Issuer", Reason: "must use https (set AllowInsecureHTTP for development)"}
		}
	}

	if len(c.SigningSecret) == 0 {
		return &ConfigError{Field: "SigningSecret", Reason: "is required"}
	}
	if len(c.SigningSecret) < security.MinSecretLength {
		return &ConfigError{Field: "SigningSecret", Reason: fmt.Sprintf("must be at least %d bytes", security.MinSecretLength)}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"AuthorizationCodeTTL", c.AuthorizationCodeTTL},
		{"AccessTokenTTL", c.AccessTokenTTL},
		{"RefreshTokenTTL", c.RefreshTokenTTL},
		{"AuthorizationRequestTTL", c.AuthorizationRequestTTL},
	}
	for _, d := range durations {
		if d.value < time.Second {
			return &ConfigError{Field: d.field, Reason: "must be at least 1s"}
		}
	}
	if c.AccessTokenTTL > MaxAccessTokenTTL {
		return &ConfigError{Field: "AccessTokenTTL", Reason: fmt.Sprintf("must not exceed %s", MaxAccessTokenTTL)}
	}

	if _, err := url.Parse(c.ErrorPageURL); err != nil {
		return &ConfigError{Field: "ErrorPageURL", Reason: "must be a valid URL"}
	}

	seen := make(map[string]bool, len(c.Clients))
	for _, client := range c.Clients {
		if client.ID == "" {
			return &ConfigError{Field: "Clients", Reason: "client id must not be empty"}
		}
		if seen[client.ID] {
			return &ConfigError{Field: "Clients", Reason: fmt.Sprintf("duplicate client id %q", client.ID)}
		}
		seen[client.ID] = true
		if len(client.RedirectURIs) == 0 {
			return &ConfigError{Field: "Clients", Reason: fmt.Sprintf("client %q has no redirect URIs", client.ID)}
		}
		for _, uri := range client.RedirectURIs {
			if err := validateRedirectURISecurity(uri, c.AllowInsecureHTTP); err != nil {
				return &ConfigError{Field: "Clients", Reason: fmt.Sprintf("client %q: %v", client.ID, err)}
			}
		}
	}

	if c.TrustedProxyCount < 0 {
		return &ConfigError{Field: "TrustedProxyCount", Reason: "must not be negative"}
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableSingleUseCodes {
		logger.Warn("SECURITY WARNING: authorization codes can be replayed until they expire",
			"recommendation", "Unset DisableSingleUseCodes")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Unset DisableRefreshTokenRotation")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: insecure HTTP is allowed",
			"risk", "Codes and tokens can be intercepted in transit",
			"recommendation", "Only use AllowInsecureHTTP in development")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if len(config.Clients) == 0 {
		logger.Info("No clients registered, any client id is accepted")
	}
}
