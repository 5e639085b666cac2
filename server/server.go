package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/providers"
	"github.com/giantswarm/mcp-authbridge/security"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/token"
)

// Server runs the authorization bridge flow.
type Server struct {
	provider providers.SessionProvider
	store    storage.RefreshTokenStore
	ledger   storage.CodeLedger

	// codec signs authorization codes and access tokens, stash signs the
	// authorization request carried through the identity provider round trip.
	codec *token.Codec
	stash *token.Codec

	clients map[string]Client

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter for the token endpoint
	Logger      *slog.Logger
	Config      *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	tasksMu sync.Mutex
	tasks   []maintenanceTask
}

// New creates a bridge server. store must also implement storage.CodeLedger
// unless Config.DisableSingleUseCodes is set.
func New(provider providers.SessionProvider, store storage.RefreshTokenStore, config *Config, logger *slog.Logger) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ledger, _ := store.(storage.CodeLedger)
	if ledger == nil && !config.DisableSingleUseCodes {
		return nil, &ConfigError{Field: "DisableSingleUseCodes", Reason: "the refresh token store cannot track used codes; use a store with a code ledger or disable single-use codes"}
	}

	codec, err := newCodec(config, security.PurposeTokenSigning)
	if err != nil {
		return nil, err
	}
	stash, err := newCodec(config, security.PurposeAuthorizationRequest)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]Client, len(config.Clients))
	for _, c := range config.Clients {
		clients[c.ID] = c
	}

	logSecurityWarnings(config, logger)

	return &Server{
		provider: provider,
		store:    store,
		ledger:   ledger,
		codec:    codec,
		stash:    stash,
		clients:  clients,
		Logger:   logger,
		Config:   config,
		tracer:   noop.NewTracerProvider().Tracer("server"),
	}, nil
}

// newCodec derives a purpose-specific key from the signing secret
func newCodec(config *Config, purpose string) (*token.Codec, error) {
	key, err := security.DeriveKey(config.SigningSecret, purpose)
	if err != nil {
		return nil, &ConfigError{Field: "SigningSecret", Reason: err.Error()}
	}
	codec, err := token.NewCodec(key, token.WithIssuer(config.Issuer), token.WithClock(config.Clock))
	if err != nil {
		return nil, &ConfigError{Field: "SigningSecret", Reason: err.Error()}
	}
	return codec, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation enables metrics and tracing for the flow
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// Provider returns the identity provider the server delegates login to
func (s *Server) Provider() providers.SessionProvider {
	return s.provider
}

// Metrics returns the metrics recorder, or nil when instrumentation is off
func (s *Server) Metrics() *instrumentation.Metrics {
	return s.metrics
}

func (s *Server) now() time.Time {
	return s.Config.Clock()
}

// generateRefreshToken returns an opaque 256-bit URL-safe token
func generateRefreshToken() string {
	return oauth2.GenerateVerifier()
}

type clientIPKey struct{}

// WithClientIP attaches the caller's IP address for audit logging
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func traceAttr(attrs ...attribute.KeyValue) trace.SpanStartOption {
	return trace.WithAttributes(attrs...)
}

func registeredSubject(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject}
}
