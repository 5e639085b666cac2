// Package oidc implements providers.SessionProvider for identity providers that
// leave an OpenID Connect ID token in a session cookie after sign-in.
//
// The token is verified with github.com/coreos/go-oidc/v3 against the issuer's
// published keys (found through discovery) or a static key set, and its "sub"
// claim becomes the subject.
//
// # Security Features
//
//   - SSRF protection for issuer URLs (blocks private IPs, loopback, link-local)
//   - HTTPS enforcement for the issuer and the sign-in URL
//   - Signature, issuer, audience and expiry checks on every request
//   - Length limits on the session cookie and the subject
//
// # Example Usage
//
//	provider, err := oidc.New(ctx, oidc.Config{
//	    Issuer:    "https://clerk.example.com",
//	    SignInURL: "https://accounts.example.com/sign-in",
//	})
//	if err != nil {
//	    return err
//	}
//	subject, err := provider.Subject(ctx, r)
package oidc
