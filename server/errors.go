package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes returned by the flow
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError is an error that maps onto an OAuth 2.0 error response.
// Description is safe to show to clients; Err carries the internal cause.
type OAuthError struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *OAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func invalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// invalidGrant keeps the client-facing description generic; the cause goes to Err.
func invalidGrant(cause error) *OAuthError {
	return &OAuthError{Code: ErrorCodeInvalidGrant, Description: "invalid grant", Status: http.StatusBadRequest, Err: cause}
}

func serverError(cause error) *OAuthError {
	return &OAuthError{Code: ErrorCodeServerError, Description: "internal server error", Status: http.StatusInternalServerError, Err: cause}
}

// ErrConfiguration matches every ConfigError with errors.Is
var ErrConfiguration = errors.New("invalid configuration")

// ConfigError reports an unusable configuration at startup
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrConfiguration
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
