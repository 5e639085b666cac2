// Package providers defines how the bridge learns who the user is.
//
// The bridge never runs a login itself. It sends the browser to an identity
// provider's sign-in page and, when the browser comes back, asks a
// SessionProvider to turn the request's session into a stable subject.
//
// Implementations are provided in subpackages:
//   - providers/oidc: verifies an OpenID Connect ID token carried in a session cookie
//   - providers/mock: function-field mock for tests
package providers
