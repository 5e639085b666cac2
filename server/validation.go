package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-authbridge/internal/util"
)

const (
	// MinCodeVerifierLength is the minimum length for PKCE code_verifier (RFC 7636)
	MinCodeVerifierLength = 43
	// MaxCodeVerifierLength is the maximum length for PKCE code_verifier (RFC 7636)
	MaxCodeVerifierLength = 128
	// PKCEMethodS256 is the only accepted code_challenge_method
	PKCEMethodS256 = "S256"

	// MaxStateLength bounds the state parameter echoed back to the client
	MaxStateLength = 512
	// MaxClientIDLength bounds the client_id parameter
	MaxClientIDLength = 256
	// MaxScopes bounds the number of requested scopes
	MaxScopes = 50

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	// blockedSchemes are never valid redirect targets
	blockedSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}
)

// RedirectURIError is a rejected redirect URI. Reason is for logs only.
type RedirectURIError struct {
	Category string
	Reason   string
}

func (e *RedirectURIError) Error() string {
	return "redirect_uri: " + e.Reason
}

// Redirect URI error categories for metrics and logging.
const (
	RedirectURICategoryInvalidFormat  = "invalid_format"
	RedirectURICategoryFragment       = "fragment_not_allowed"
	RedirectURICategoryBlockedScheme  = "blocked_scheme"
	RedirectURICategoryHTTPNotAllowed = "http_not_allowed"
	RedirectURICategoryLinkLocal      = "link_local"
	RedirectURICategoryUnspecified    = "unspecified_address"
	RedirectURICategoryNotRegistered  = "not_registered"
)

// validateRedirectURISecurity checks a redirect URI on its own, independent of any client registration.
func validateRedirectURISecurity(redirectURI string, allowInsecureHTTP bool) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return &RedirectURIError{Category: RedirectURICategoryInvalidFormat, Reason: "must be an absolute URI"}
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURIError{Category: RedirectURICategoryFragment, Reason: "fragments are not allowed"}
	}
	if parsed.User != nil {
		return &RedirectURIError{Category: RedirectURICategoryInvalidFormat, Reason: "userinfo is not allowed"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(blockedSchemes, scheme) {
		return &RedirectURIError{Category: RedirectURICategoryBlockedScheme, Reason: fmt.Sprintf("scheme %q is not allowed", scheme)}
	}

	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		// Native apps use private-use schemes (RFC 8252 section 7.1)
		if !schemePattern.MatchString(scheme) {
			return &RedirectURIError{Category: RedirectURICategoryBlockedScheme, Reason: fmt.Sprintf("scheme %q is not a valid URI scheme", scheme)}
		}
		return nil
	}

	host := parsed.Hostname()
	if host == "" {
		return &RedirectURIError{Category: RedirectURICategoryInvalidFormat, Reason: "host is required"}
	}
	switch util.ClassifyHost(host) {
	case util.HostLoopback:
		// RFC 8252 section 7.3 allows http for loopback
		return nil
	case util.HostUnspecified:
		return &RedirectURIError{Category: RedirectURICategoryUnspecified, Reason: "unspecified addresses are not allowed"}
	case util.HostLinkLocal:
		return &RedirectURIError{Category: RedirectURICategoryLinkLocal, Reason: "link-local addresses are not allowed"}
	}
	if scheme == SchemeHTTP && !allowInsecureHTTP {
		return &RedirectURIError{Category: RedirectURICategoryHTTPNotAllowed, Reason: "https is required for non-loopback hosts"}
	}
	return nil
}

// validateClientRedirect applies the client policy: registered clients must use one of
// their registered URIs exactly, otherwise any secure URI is accepted.
func (s *Server) validateClientRedirect(clientID, redirectURI string) error {
	if len(s.clients) > 0 {
		client, ok := s.clients[clientID]
		if !ok {
			return &OAuthError{Code: ErrorCodeUnauthorizedClient, Description: "unknown client", Status: http.StatusBadRequest}
		}
		if !slices.Contains(client.RedirectURIs, redirectURI) {
			return &OAuthError{
				Code:        ErrorCodeInvalidRedirectURI,
				Description: "redirect_uri is not registered for this client",
				Status:      http.StatusBadRequest,
				Err:         &RedirectURIError{Category: RedirectURICategoryNotRegistered, Reason: "not registered"},
			}
		}
	}
	if err := validateRedirectURISecurity(redirectURI, s.Config.AllowInsecureHTTP); err != nil {
		return &OAuthError{Code: ErrorCodeInvalidRedirectURI, Description: err.Error(), Status: http.StatusBadRequest, Err: err}
	}
	return nil
}

// validateScopes checks requested scopes against SupportedScopes
func (s *Server) validateScopes(scopes []string) error {
	if len(scopes) > MaxScopes {
		return fmt.Errorf("too many scopes (max %d)", MaxScopes)
	}
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, scope := range scopes {
		if !slices.Contains(s.Config.SupportedScopes, scope) {
			return fmt.Errorf("unsupported scope: %s", scope)
		}
	}
	return nil
}

// validateStateParameter requires a state value for CSRF protection on the client side
func validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required")
	}
	if len(state) > MaxStateLength {
		return fmt.Errorf("state parameter exceeds %d characters", MaxStateLength)
	}
	return nil
}

// validateCodeChallenge checks the authorize-time PKCE parameters. Both are optional.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return fmt.Errorf("code_challenge_method without code_challenge")
		}
		return nil
	}
	if method == "" {
		method = PKCEMethodS256
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256)", method)
	}
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func validatePKCE(challenge, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
