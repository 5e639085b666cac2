package authbridge

import (
	"time"

	"github.com/giantswarm/mcp-authbridge/paywall"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is always "bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is omitted when refresh token rotation is disabled and the grant was a refresh
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// SubscriptionResponse is the body of GET /api/subscription
type SubscriptionResponse struct {
	ID                string     `json:"id,omitempty"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan,omitempty"`
	Active            bool       `json:"active"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

func newSubscriptionResponse(s *paywall.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:                s.ID,
		Status:            s.Status,
		Plan:              s.Plan,
		Active:            s.Active(),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if !s.CurrentPeriodEnd.IsZero() {
		end := s.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	return resp
}
