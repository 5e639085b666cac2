package oidc

import (
	"fmt"
	"net"
	"net/url"
)

const (
	// MaxSubjectLength follows the OpenID Connect limit on "sub"
	MaxSubjectLength = 255

	// MaxSessionTokenLength bounds the cookie value we are willing to parse
	MaxSessionTokenLength = 8192
)

// ValidateIssuerURL validates an OIDC issuer URL with SSRF protection.
// It enforces HTTPS and blocks private IP ranges.
//
// Example:
//
//	if err := ValidateIssuerURL("https://clerk.example.com"); err != nil {
//	    return fmt.Errorf("invalid issuer: %w", err)
//	}
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	// SECURITY: Enforce HTTPS to prevent credential leakage
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// SECURITY: Block private IP ranges to prevent SSRF
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	return nil
}

// ValidateSignInURL checks the sign-in page URL. Plain http is only accepted
// when allowInsecure is set.
func ValidateSignInURL(signInURL string, allowInsecure bool) error {
	u, err := url.Parse(signInURL)
	if err != nil {
		return fmt.Errorf("invalid sign-in URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("sign-in URL must be absolute")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return fmt.Errorf("sign-in URL must use HTTPS, got http")
		}
	default:
		return fmt.Errorf("sign-in URL must use HTTPS, got %s", u.Scheme)
	}
	return nil
}

// ValidateSubject rejects empty and oversized subjects
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject is empty")
	}
	if len(subject) > MaxSubjectLength {
		return fmt.Errorf("subject exceeds maximum length of %d characters", MaxSubjectLength)
	}
	return nil
}
