package providers

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoSession is returned by SessionProvider.Subject when the request carries no
// verified session. Callers send the user to LoginURL.
var ErrNoSession = errors.New("no identity provider session")

// SessionProvider resolves an identity provider session into a subject.
type SessionProvider interface {
	// Name returns the provider name used in logs and metrics (e.g. "oidc")
	Name() string

	// LoginURL returns the provider's sign-in URL that sends the user back to returnTo afterwards
	LoginURL(returnTo string) string

	// Subject returns the stable user id of the session carried by r.
	// It returns an error wrapping ErrNoSession when there is no valid session.
	Subject(ctx context.Context, r *http.Request) (string, error)
}
