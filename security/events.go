package security

// Event type constants for security audit logging.
const (
	// EventAuthorizationStarted is logged when an authorization request is stashed
	// and the user is sent to the identity provider
	EventAuthorizationStarted = "authorization_started"

	// EventAuthorizationRejected is logged when an authorization request fails validation
	EventAuthorizationRejected = "authorization_rejected"

	// EventAuthorizationCodeIssued is logged when a code is minted after the identity provider callback
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when a code is exchanged for an access/refresh token pair
	EventTokenIssued = "token_issued" //nolint:gosec // event name, not a credential

	// EventTokenRefreshed is logged when a refresh grant mints a new access token
	EventTokenRefreshed = "token_refreshed" //nolint:gosec // event name, not a credential

	// EventAllTokensRevoked is logged when sign-out revokes every refresh token of a subject
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// EventAuthFailure is logged when a code, refresh token or access token is rejected
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match the code challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventSubscriptionCancelled is logged when a user cancels their subscription through the bridge
	EventSubscriptionCancelled = "subscription_cancelled"
)
