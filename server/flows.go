package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/security"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/token"
)

// AuthorizationRequest holds the query parameters of GET /oauth/authorize
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Grant is the result of a successful token request
type Grant struct {
	Token   *oauth2.Token
	Subject string
	Scopes  []string
}

// StartAuthorization validates an authorization request and returns the signed
// stash to carry through the identity provider round trip, plus the provider
// login URL to send the browser to.
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest) (stash, loginURL string, err error) {
	ctx, span := s.tracer.Start(ctx, "server.StartAuthorization")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, "", req.Scope)

	if err := s.validateAuthorizationRequest(req); err != nil {
		instrumentation.RecordError(span, err)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationRejected,
			ClientID:  req.ClientID,
			IPAddress: clientIP(ctx),
			Details:   map[string]any{"reason": err.Error()},
		})
		return "", "", err
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodS256
	}

	stash, err = s.stash.Issue(token.Claims{
		Type:                token.TypeAuthorizationRequest,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              util.SplitScopes(req.Scope),
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
	}, s.Config.AuthorizationRequestTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", "", serverError(fmt.Errorf("failed to sign authorization request: %w", err))
	}

	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}
	s.Auditor.LogAuthorizationStarted(req.ClientID, clientIP(ctx), req.Scope)
	instrumentation.SetSpanSuccess(span)

	return stash, s.provider.LoginURL(s.Config.CallbackURL()), nil
}

func (s *Server) validateAuthorizationRequest(req AuthorizationRequest) error {
	if req.ResponseType != "code" {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, "response_type must be code", http.StatusBadRequest)
	}
	if req.ClientID == "" {
		return invalidRequest("client_id is required")
	}
	if len(req.ClientID) > MaxClientIDLength {
		return invalidRequest("client_id is too long")
	}
	if req.RedirectURI == "" {
		return invalidRequest("redirect_uri is required")
	}
	if err := s.validateClientRedirect(req.ClientID, req.RedirectURI); err != nil {
		return err
	}
	if err := validateStateParameter(req.State); err != nil {
		return invalidRequest(err.Error())
	}
	if err := s.validateScopes(util.SplitScopes(req.Scope)); err != nil {
		return NewOAuthError(ErrorCodeInvalidScope, err.Error(), http.StatusBadRequest)
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return invalidRequest(err.Error())
	}
	return nil
}

// ResolveSubject asks the identity provider who the callback request belongs to.
// The error wraps providers.ErrNoSession when there is no verified session.
func (s *Server) ResolveSubject(ctx context.Context, r *http.Request) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.ResolveSubject",
		traceAttr(attribute.String(instrumentation.AttrIdPProvider, s.provider.Name())))
	defer span.End()

	subject, err := s.provider.Subject(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	instrumentation.SetSpanSuccess(span)
	return subject, nil
}

// CompleteAuthorization verifies the stash, issues an authorization code for
// subject and returns the client redirect URL carrying code and state.
func (s *Server) CompleteAuthorization(ctx context.Context, stash, subject string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.CompleteAuthorization")
	defer span.End()

	req, err := s.stash.Verify(stash, token.TypeAuthorizationRequest)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.recordCodeIssued(ctx, "", false)
		return "", &OAuthError{
			Code:        ErrorCodeInvalidRequest,
			Description: "authorization request expired or invalid, start again",
			Status:      http.StatusBadRequest,
			Err:         err,
		}
	}
	instrumentation.AddFlowAttributes(span, req.ClientID, subject, util.JoinScopes(req.Scopes))

	if subject == "" {
		s.recordCodeIssued(ctx, req.ClientID, false)
		return "", NewOAuthError(ErrorCodeAccessDenied, "no authenticated subject", http.StatusForbidden)
	}

	code, err := s.codec.Issue(token.Claims{
		Type:                token.TypeAuthorizationCode,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RegisteredClaims:    registeredSubject(subject),
	}, s.Config.AuthorizationCodeTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.recordCodeIssued(ctx, req.ClientID, false)
		return "", serverError(fmt.Errorf("failed to sign authorization code: %w", err))
	}

	redirect, err := buildRedirect(req.RedirectURI, url.Values{"code": {code}, "state": {req.State}})
	if err != nil {
		return "", invalidRequest("redirect_uri is invalid")
	}

	s.recordCodeIssued(ctx, req.ClientID, true)
	s.Auditor.LogCodeIssued(subject, req.ClientID, clientIP(ctx))
	s.Logger.Debug("Authorization code issued",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))
	instrumentation.SetSpanSuccess(span)
	return redirect, nil
}

func (s *Server) recordCodeIssued(ctx context.Context, clientID string, ok bool) {
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, clientID, ok)
	}
}

// ExchangeAuthorizationCode trades an authorization code for an access token and a refresh token.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode",
		traceAttr(attribute.String(instrumentation.AttrGrantType, "authorization_code")))
	defer span.End()

	ip := clientIP(ctx)
	fail := func(subject, reason string, err error) (*Grant, error) {
		instrumentation.RecordError(span, err)
		s.Logger.Debug("Authorization code exchange failed",
			"reason", reason,
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		s.Auditor.LogAuthFailure(subject, clientID, ip, reason)
		return nil, err
	}

	claims, err := s.codec.Verify(code, token.TypeAuthorizationCode)
	if err != nil {
		return fail("", "invalid_authorization_code", invalidGrant(err))
	}
	subject := claims.Subject
	instrumentation.AddFlowAttributes(span, claims.ClientID, subject, util.JoinScopes(claims.Scopes))

	if claims.ClientID != clientID {
		return fail(subject, "client_id_mismatch", invalidGrant(errors.New("client_id does not match the code")))
	}
	if redirectURI != "" && claims.RedirectURI != redirectURI {
		return fail(subject, "redirect_uri_mismatch", invalidGrant(errors.New("redirect_uri does not match the code")))
	}
	if err := validatePKCE(claims.CodeChallenge, codeVerifier); err != nil {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, claims.CodeChallengeMethod)
		}
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Subject:   subject,
			ClientID:  clientID,
			IPAddress: ip,
			Details:   map[string]any{"reason": err.Error()},
		})
		return fail(subject, "pkce_validation_failed", invalidGrant(err))
	}

	if !s.Config.DisableSingleUseCodes {
		fresh, err := s.ledger.MarkCodeUsed(ctx, claims.ID, claims.Expiry())
		if err != nil {
			return fail(subject, "code_ledger_unavailable", serverError(err))
		}
		if !fresh {
			s.handleCodeReuse(ctx, subject, clientID)
			return fail(subject, "authorization_code_reuse", invalidGrant(errors.New("authorization code already used")))
		}
	}

	grant, err := s.issueGrant(ctx, subject, clientID, claims.Scopes)
	if err != nil {
		return fail(subject, "token_issue_failed", err)
	}

	if s.metrics != nil {
		method := claims.CodeChallengeMethod
		if method == "" {
			method = "none"
		}
		s.metrics.RecordCodeExchange(ctx, clientID, method)
	}
	s.Auditor.LogTokenIssued(subject, clientID, ip, util.JoinScopes(claims.Scopes))
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// handleCodeReuse revokes the subject's refresh tokens. A replayed code means
// it leaked, so tokens minted from it may be in the wrong hands.
func (s *Server) handleCodeReuse(ctx context.Context, subject, clientID string) {
	s.Logger.Error("Authorization code reuse detected - revoking refresh tokens",
		"client_id", clientID,
		"oauth_spec", "OAuth 2.1 Section 4.1.2")

	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
	s.Auditor.LogCodeReuse(subject, clientID, clientIP(ctx))

	revoked, err := s.store.DeleteAllForSubject(ctx, subject)
	if err != nil {
		s.Logger.Error("Failed to revoke refresh tokens after code reuse", "error", err)
		return
	}
	s.Auditor.LogAllTokensRevoked(subject, clientIP(ctx), "authorization_code_reuse", revoked)
}

// issueGrant mints an access token and stores a new refresh token record
func (s *Server) issueGrant(ctx context.Context, subject, clientID string, scopes []string) (*Grant, error) {
	tok, err := s.issueAccessToken(subject, clientID, scopes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	refresh := generateRefreshToken()
	err = s.store.Put(ctx, &storage.Record{
		Token:     refresh,
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.RefreshTokenTTL),
	})
	if err != nil {
		s.Logger.Error("Failed to store refresh token", "error", err)
		return nil, serverError(err)
	}
	tok.RefreshToken = refresh

	return &Grant{Token: tok, Subject: subject, Scopes: scopes}, nil
}

func (s *Server) issueAccessToken(subject, clientID string, scopes []string) (*oauth2.Token, error) {
	now := s.now()
	access, expiry, err := s.codec.IssueWithExpiry(token.Claims{
		Type:             token.TypeAccessToken,
		ClientID:         clientID,
		Scopes:           scopes,
		RegisteredClaims: registeredSubject(subject),
	}, s.Config.AccessTokenTTL)
	if err != nil {
		return nil, serverError(fmt.Errorf("failed to sign access token: %w", err))
	}
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "bearer",
		Expiry:      expiry,
		ExpiresIn:   int64(expiry.Sub(now) / time.Second),
	}, nil
}

// RefreshAccessToken mints a new access token for the subject of a stored refresh token.
// With rotation the old refresh token is consumed and a new one returned.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.RefreshAccessToken",
		traceAttr(attribute.String(instrumentation.AttrGrantType, "refresh_token")))
	defer span.End()

	rotate := !s.Config.DisableRefreshTokenRotation
	span.SetAttributes(attribute.Bool(instrumentation.AttrRotated, rotate))
	ip := clientIP(ctx)

	loadFailed := func(err error) error {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrNotFound) {
			s.Logger.Debug("Refresh token rejected",
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(refreshToken, 8))
			s.Auditor.LogAuthFailure("", clientID, ip, "invalid_refresh_token")
			return invalidGrant(err)
		}
		s.Logger.Error("Failed to load refresh token", "error", err)
		return serverError(err)
	}

	// The client check runs before Take so a request from another client cannot
	// consume the token.
	rec, err := s.store.Get(ctx, refreshToken)
	if err != nil {
		return nil, loadFailed(err)
	}
	instrumentation.AddFlowAttributes(span, rec.ClientID, rec.Subject, util.JoinScopes(rec.Scopes))

	if clientID != "" && rec.ClientID != clientID {
		s.Auditor.LogAuthFailure(rec.Subject, clientID, ip, "client_id_mismatch")
		err := errors.New("refresh token was issued to another client")
		instrumentation.RecordError(span, err)
		return nil, invalidGrant(err)
	}

	var grant *Grant
	if rotate {
		// Of concurrent refreshes with the same token only one gets past Take.
		rec, err = s.store.Take(ctx, refreshToken)
		if err != nil {
			return nil, loadFailed(err)
		}
		grant, err = s.issueGrant(ctx, rec.Subject, rec.ClientID, rec.Scopes)
		if err != nil {
			s.restoreRefreshToken(ctx, rec)
		}
	} else {
		var tok *oauth2.Token
		tok, err = s.issueAccessToken(rec.Subject, rec.ClientID, rec.Scopes)
		grant = &Grant{Token: tok, Subject: rec.Subject, Scopes: rec.Scopes}
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, rec.ClientID, rotate)
	}
	s.Auditor.LogTokenRefreshed(rec.Subject, rec.ClientID, ip, rotate)
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// restoreRefreshToken puts back a record consumed by a rotation that failed, so the
// client keeps a usable refresh token.
func (s *Server) restoreRefreshToken(ctx context.Context, rec *storage.Record) {
	if err := s.store.Put(context.WithoutCancel(ctx), rec); err != nil {
		s.Logger.Error("Failed to restore refresh token after failed rotation",
			"error", err,
			"token_prefix", util.SafeTruncate(rec.Token, 8))
	}
}

// ValidateAccessToken verifies a bearer access token
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := s.codec.Verify(accessToken, token.TypeAccessToken)
	if s.metrics != nil {
		s.metrics.RecordTokenValidation(ctx, err == nil)
	}
	if err != nil {
		return nil, &OAuthError{Code: ErrorCodeInvalidToken, Description: "access token is invalid or expired", Status: http.StatusUnauthorized, Err: err}
	}
	return claims, nil
}

// SignOut revokes every refresh token of the access token's subject and returns how many were removed.
// Access tokens already issued stay valid until they expire.
func (s *Server) SignOut(ctx context.Context, accessToken string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "server.SignOut")
	defer span.End()

	claims, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return 0, err
	}
	instrumentation.AddFlowAttributes(span, claims.ClientID, claims.Subject, "")

	revoked, err := s.store.DeleteAllForSubject(ctx, claims.Subject)
	if s.metrics != nil {
		s.metrics.RecordSignOut(ctx, revoked, err == nil)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.Error("Failed to revoke refresh tokens on sign-out", "error", err)
		return 0, serverError(err)
	}

	span.SetAttributes(attribute.Int(instrumentation.AttrRevoked, revoked))
	s.Auditor.LogAllTokensRevoked(claims.Subject, clientIP(ctx), "sign_out", revoked)
	instrumentation.SetSpanSuccess(span)
	return revoked, nil
}

// AuthorizationErrorURL is where failed authorizations send the browser
func (s *Server) AuthorizationErrorURL(code, description string) string {
	u, err := buildRedirect(s.Config.ErrorPageURL, url.Values{"error": {code}, "error_description": {description}})
	if err != nil {
		return s.Config.ErrorPageURL
	}
	return u
}

// buildRedirect adds params to base, keeping any query base already has
func buildRedirect(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
