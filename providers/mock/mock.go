// Package mock provides a mock providers.SessionProvider for testing.
package mock

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/giantswarm/mcp-authbridge/providers"
)

// Provider is a mock implementation of providers.SessionProvider
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// LoginURLFunc is called when LoginURL() is invoked
	LoginURLFunc func(returnTo string) string

	// SubjectFunc is called when Subject() is invoked
	SubjectFunc func(ctx context.Context, r *http.Request) (string, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var _ providers.SessionProvider = (*Provider)(nil)

// New creates a mock provider. By default there is no session.
func New() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		LoginURLFunc: func(returnTo string) string {
			return "https://idp.example.com/sign-in?redirect_url=" + url.QueryEscape(returnTo)
		},
		SubjectFunc: func(ctx context.Context, r *http.Request) (string, error) {
			return "", providers.ErrNoSession
		},
	}
}

// WithSubject returns a mock provider whose sessions always belong to subject
func WithSubject(subject string) *Provider {
	p := New()
	p.SubjectFunc = func(ctx context.Context, r *http.Request) (string, error) {
		return subject, nil
	}
	return p
}

func (m *Provider) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// Name implements providers.SessionProvider
func (m *Provider) Name() string {
	m.incrementCallCount("Name")
	return m.NameFunc()
}

// LoginURL implements providers.SessionProvider
func (m *Provider) LoginURL(returnTo string) string {
	m.incrementCallCount("LoginURL")
	return m.LoginURLFunc(returnTo)
}

// Subject implements providers.SessionProvider
func (m *Provider) Subject(ctx context.Context, r *http.Request) (string, error) {
	m.incrementCallCount("Subject")
	return m.SubjectFunc(ctx, r)
}

// Calls returns the number of calls to method
func (m *Provider) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// ResetCallCounts resets all call counts to zero
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
