package authbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/paywall"
	"github.com/giantswarm/mcp-authbridge/providers"
	"github.com/giantswarm/mcp-authbridge/security"
	"github.com/giantswarm/mcp-authbridge/server"
	"github.com/giantswarm/mcp-authbridge/token"
)

const (
	// StashCookieName holds the signed authorization request during the identity provider round trip
	StashCookieName = "authbridge_authorize"

	stashCookiePath = "/oauth"
	tokenTypeBearer = "bearer"
)

// Endpoint paths registered by RegisterRoutes
const (
	PathMetadata           = "/.well-known/oauth-authorization-server"
	PathAuthorize          = "/oauth/authorize"
	PathCallback           = "/oauth/callback"
	PathToken              = "/oauth/token"
	PathSignOut            = "/oauth/signout"
	PathError              = "/oauth/error"
	PathCustomer           = "/api/customer"
	PathSubscription       = "/api/subscription"
	PathCancelSubscription = "/api/subscription/cancel"
)

// Handler is a thin HTTP adapter for the bridge Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	paywall *paywall.Service
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewHandler creates a new HTTP handler. paywall may be nil, in which case
// the /api endpoints are not registered.
func NewHandler(srv *server.Server, pw *paywall.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:  srv,
		paywall: pw,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("http"),
	}

	if pw != nil {
		srv.AddMaintenanceTask("paywall_cache", func(context.Context) (int, error) {
			return pw.CleanupExpired(), nil
		})
	}

	return h
}

// SetInstrumentation enables tracing of the HTTP layer
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// RegisterRoutes adds every bridge endpoint to mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathMetadata, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle(PathAuthorize, h.instrument("authorization", h.ServeAuthorization))
	mux.Handle(PathCallback, h.instrument("callback", h.ServeCallback))
	mux.Handle(PathToken, h.instrument("token", h.ServeToken))
	mux.Handle(PathSignOut, h.instrument("signout", h.ServeSignOut))
	mux.Handle(PathError, h.instrument("error", h.ServeAuthorizationError))

	if h.paywall == nil {
		return
	}
	mux.Handle(PathCustomer, h.instrument("customer", h.protect(h.ServeCustomer)))
	mux.Handle(PathSubscription, h.instrument("subscription", h.protect(h.ServeSubscription)))
	mux.Handle(PathCancelSubscription, h.instrument("subscription_cancel", h.protect(h.ServeCancelSubscription)))
}

func (h *Handler) protect(fn http.HandlerFunc) http.HandlerFunc {
	return h.ValidateToken(fn).ServeHTTP
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument assigns a request ID, stores the client IP in the context
// and records HTTP metrics for endpoint.
func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.Handler {
	return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := server.WithClientIP(r.Context(), h.clientIP(r))
		fn(rec, r.WithContext(ctx))

		h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, start)
	}))
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	metrics := h.server.Metrics()
	if metrics == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	metrics.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.ProxyPolicy())
}

func (h *Handler) log(ctx context.Context) *slog.Logger {
	return security.LoggerWithRequestID(ctx, h.logger)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.server.Metadata())
}

// ServeAuthorization stashes the authorization request in a signed cookie and
// sends the browser to the identity provider. Rejected requests go to the
// error page, never to the unverified redirect_uri.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "authbridge.http.authorization")
	defer span.End()

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	stash, loginURL, err := h.server.StartAuthorization(ctx, req)
	if err != nil {
		h.log(ctx).Warn("Authorization request rejected",
			"client_id", util.SafeTruncate(req.ClientID, 64),
			"error", err)
		instrumentation.RecordError(span, err)
		h.redirectToErrorPage(w, r, err)
		return
	}

	http.SetCookie(w, h.stashCookie(stash, int(h.server.Config.AuthorizationRequestTTL/time.Second)))
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// ServeCallback handles the return from the identity provider
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "authbridge.http.callback")
	defer span.End()

	cookie, err := r.Cookie(StashCookieName)
	if err != nil || cookie.Value == "" {
		instrumentation.SetSpanError(span, "authorization request cookie missing")
		h.redirectToErrorPage(w, r, ErrInvalidRequest("authorization request expired or missing, start again"))
		return
	}

	// The stash is single-shot whatever happens next.
	http.SetCookie(w, h.stashCookie("", -1))

	subject, err := h.server.ResolveSubject(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, providers.ErrNoSession) {
			h.log(ctx).Info("Callback without identity provider session", "error", err)
			h.redirectToErrorPage(w, r, NewError(ErrorCodeAccessDenied, "sign-in was not completed", http.StatusForbidden))
			return
		}
		h.log(ctx).Error("Failed to resolve subject", "error", err)
		h.redirectToErrorPage(w, r, ErrServerError("identity provider unavailable"))
		return
	}

	redirect, err := h.server.CompleteAuthorization(ctx, cookie.Value, subject)
	if err != nil {
		h.log(ctx).Warn("Failed to complete authorization", "error", err)
		instrumentation.RecordError(span, err)
		h.redirectToErrorPage(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) stashCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     StashCookieName,
		Value:    value,
		Path:     stashCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.server.Config.Issuer, "https://"),
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) redirectToErrorPage(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := asError(err)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, h.server.AuthorizationErrorURL(oauthErr.Code, oauthErr.Description), http.StatusFound)
}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign-in failed</title></head>
<body>
<h1>Sign-in failed</h1>
<p>{{.Description}}</p>
<p><code>{{.Code}}</code></p>
<p>Return to your application and start the sign-in again.</p>
</body>
</html>
`))

// ServeAuthorizationError renders the page failed authorizations are sent to
func (h *Handler) ServeAuthorizationError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := util.SafeTruncate(r.URL.Query().Get("error"), 64)
	if code == "" {
		code = ErrorCodeServerError
	}
	desc := util.SafeTruncate(r.URL.Query().Get("error_description"), 256)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = errorPageTemplate.Execute(w, struct{ Code, Description string }{code, desc})
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkIPRateLimit(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", util.SafeTruncate(grantType, 32))))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "authbridge.http.token_exchange")
	defer span.End()

	code := r.PostFormValue("code")
	clientID := r.PostFormValue("client_id")
	if code == "" {
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}
	if clientID == "" {
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrInvalidRequest("Required parameter 'client_id' missing"))
		return
	}

	grant, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID,
		r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	if err != nil {
		h.log(ctx).Info("Authorization code exchange failed", "client_id", util.SafeTruncate(clientID, 64), "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "authbridge.http.token_refresh")
	defer span.End()

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrInvalidRequest("Required parameter 'refresh_token' missing"))
		return
	}

	grant, err := h.server.RefreshAccessToken(ctx, refreshToken, r.PostFormValue("client_id"))
	if err != nil {
		h.log(ctx).Info("Refresh token grant failed", "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

// ServeSignOut revokes the caller's refresh tokens. Without a bearer token it
// answers 401; otherwise it always succeeds, so a failed revocation is only logged.
func (h *Handler) ServeSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	revoked, err := h.server.SignOut(ctx, accessToken)
	if err != nil {
		h.log(ctx).Warn("Sign-out did not revoke refresh tokens", "error", err)
	} else {
		h.log(ctx).Info("Signed out", "revoked", revoked)
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"signed_out": true})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	clientIP := h.clientIP(r)
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.log(r.Context()).Warn("Rate limit exceeded", "ip", clientIP)
	if metrics := h.server.Metrics(); metrics != nil {
		metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) || strings.TrimSpace(parts[1]) == "" {
		h.writeUnauthorizedError(w, "Invalid Authorization header format")
		return "", false
	}

	return strings.TrimSpace(parts[1]), true
}

type claimsKey struct{}

// ClaimsFromContext returns the access token claims stored by ValidateToken
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return claims, ok && claims != nil
}

// ContextWithClaims stores claims in ctx.
//
// WARNING: use this only in tests. In production claims are set by the
// ValidateToken middleware after the token was verified.
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ValidateToken is middleware that requires a valid bearer access token
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.log(r.Context()).Debug("Token validation failed", "ip", h.clientIP(r), "error", err)
			h.writeUnauthorizedError(w, "Token validation failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// ServeCustomer returns the caller's billing customer
func (h *Handler) ServeCustomer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	customer, err := h.paywall.Customer(r.Context(), claims.Subject)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, customer)
}

// ServeSubscription returns the caller's subscription
func (h *Handler) ServeSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	sub, err := h.paywall.Subscription(r.Context(), claims.Subject)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSubscriptionResponse(sub))
}

// ServeCancelSubscription cancels the caller's subscription and returns its new state
func (h *Handler) ServeCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.paywall.CancelSubscription(ctx, claims.Subject); err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	h.server.Auditor.LogEvent(security.Event{
		Type:      security.EventSubscriptionCancelled,
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		IPAddress: h.clientIP(r),
	})

	sub, err := h.paywall.Subscription(ctx, claims.Subject)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSubscriptionResponse(sub))
}

func (h *Handler) requireClaims(w http.ResponseWriter, r *http.Request) (*token.Claims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeUnauthorizedError(w, "Missing access token")
	}
	return claims, ok
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *paywall.UpstreamError
	if errors.As(err, &upstream) {
		h.log(r.Context()).Warn("Paywall request failed", "operation", upstream.Op, "status", upstream.StatusCode, "error", err)
		h.writeError(w, ErrUpstreamUnavailable("Billing service unavailable, try again later"))
		return
	}
	h.log(r.Context()).Error("Paywall request failed", "error", err)
	h.writeError(w, ErrServerError("Internal server error"))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.Grant) {
	tok := grant.Token
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int64(h.server.Config.AccessTokenTTL / time.Second)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: tok.RefreshToken,
		Scope:        util.JoinScopes(grant.Scopes),
	})
}

// asError maps err to the OAuth error sent to the client.
// SECURITY: errors that are not OAuth errors never reach the client verbatim.
func asError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("Internal server error")
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr := asError(err)
	status := oauthErr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	h.writeError(w, ErrInvalidToken(description))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// formatWWWAuthenticate builds an RFC 6750 bearer challenge
func formatWWWAuthenticate(code, description string) string {
	escape := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`Bearer error="%s", error_description="%s"`, escape.Replace(code), escape.Replace(description))
}
