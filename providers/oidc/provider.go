package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/giantswarm/mcp-authbridge/providers"
)

const (
	// DefaultSessionCookie is the cookie the identity provider leaves its session token in
	DefaultSessionCookie = "__session"

	// DefaultReturnToParam is the sign-in URL query parameter naming where to go afterwards
	DefaultReturnToParam = "redirect_url"

	// DefaultHTTPTimeout bounds discovery and key fetches
	DefaultHTTPTimeout = 10 * time.Second
)

// Config configures the OIDC session provider
type Config struct {
	// Issuer is the identity provider's issuer URL (required)
	Issuer string

	// ClientID is the expected audience. Empty skips the audience check,
	// which suits providers that put no audience in session tokens.
	ClientID string

	// SignInURL is the hosted sign-in page (required)
	SignInURL string

	// SessionCookie defaults to DefaultSessionCookie
	SessionCookie string

	// ReturnToParam defaults to DefaultReturnToParam
	ReturnToParam string

	// SupportedSigningAlgs defaults to RS256 (or what discovery advertises)
	SupportedSigningAlgs []string

	// KeySet verifies tokens without discovery when set
	KeySet gooidc.KeySet

	// HTTPClient is used for discovery and key fetches
	HTTPClient *http.Client

	// AllowInsecure accepts http and private-network URLs. Development only.
	AllowInsecure bool

	Logger *slog.Logger
	Clock  func() time.Time
}

// Provider implements providers.SessionProvider
type Provider struct {
	verifier      *gooidc.IDTokenVerifier
	signInURL     *url.URL
	sessionCookie string
	returnToParam string
	logger        *slog.Logger
}

var _ providers.SessionProvider = (*Provider)(nil)

// New validates cfg and builds the verifier. Without a KeySet it runs OIDC
// discovery against the issuer, so ctx bounds that request.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.SignInURL == "" {
		return nil, fmt.Errorf("sign-in URL is required")
	}
	if !cfg.AllowInsecure {
		if err := ValidateIssuerURL(cfg.Issuer); err != nil {
			return nil, err
		}
	}
	if err := ValidateSignInURL(cfg.SignInURL, cfg.AllowInsecure); err != nil {
		return nil, err
	}
	signInURL, _ := url.Parse(cfg.SignInURL)

	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	if cfg.ReturnToParam == "" {
		cfg.ReturnToParam = DefaultReturnToParam
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	verifierConfig := &gooidc.Config{
		ClientID:             cfg.ClientID,
		SkipClientIDCheck:    cfg.ClientID == "",
		SupportedSigningAlgs: cfg.SupportedSigningAlgs,
		Now:                  cfg.Clock,
	}

	var verifier *gooidc.IDTokenVerifier
	if cfg.KeySet != nil {
		verifier = gooidc.NewVerifier(cfg.Issuer, cfg.KeySet, verifierConfig)
	} else {
		discoveryCtx := gooidc.ClientContext(ctx, cfg.HTTPClient)
		idp, err := gooidc.NewProvider(discoveryCtx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("OIDC discovery failed: %w", err)
		}
		verifier = idp.VerifierContext(context.WithoutCancel(discoveryCtx), verifierConfig)
		cfg.Logger.Info("OIDC discovery successful", "issuer", cfg.Issuer)
	}

	return &Provider{
		verifier:      verifier,
		signInURL:     signInURL,
		sessionCookie: cfg.SessionCookie,
		returnToParam: cfg.ReturnToParam,
		logger:        cfg.Logger,
	}, nil
}

// Name returns "oidc"
func (p *Provider) Name() string {
	return "oidc"
}

// LoginURL returns the sign-in URL with returnTo in the configured query parameter
func (p *Provider) LoginURL(returnTo string) string {
	u := *p.signInURL
	q := u.Query()
	q.Set(p.returnToParam, returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// Subject verifies the session cookie of r and returns its "sub" claim
func (p *Provider) Subject(ctx context.Context, r *http.Request) (string, error) {
	cookie, err := r.Cookie(p.sessionCookie)
	if err != nil || cookie.Value == "" {
		return "", providers.ErrNoSession
	}
	if len(cookie.Value) > MaxSessionTokenLength {
		return "", fmt.Errorf("%w: session token too large", providers.ErrNoSession)
	}

	idToken, err := p.verifier.Verify(ctx, cookie.Value)
	if err != nil {
		p.logger.Debug("Session token rejected", "error", err)
		return "", fmt.Errorf("%w: %w", providers.ErrNoSession, err)
	}

	if err := ValidateSubject(idToken.Subject); err != nil {
		return "", fmt.Errorf("%w: %w", providers.ErrNoSession, err)
	}
	return idToken.Subject, nil
}
