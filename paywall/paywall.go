package paywall

import (
	"context"
	"fmt"
	"time"
)

// Subscription statuses reported by the upstream API. StatusNone means the
// customer has never subscribed.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusNone     = "none"
)

// Customer is the billing customer linked to a subject
type Customer struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscription is a customer's current plan
type Subscription struct {
	ID                string    `json:"id,omitempty"`
	Status            string    `json:"status"`
	Plan              string    `json:"plan,omitempty"`
	CurrentPeriodEnd  time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end,omitempty"`
}

// Active reports whether the subscription grants access
func (s *Subscription) Active() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusTrialing)
}

// Client is the upstream customer and subscription API.
type Client interface {
	// EnsureCustomer returns the customer for subject, creating it if needed. It is idempotent.
	EnsureCustomer(ctx context.Context, subject string) (*Customer, error)

	// Subscription returns the subscription of subject's customer
	Subscription(ctx context.Context, subject string) (*Subscription, error)

	// CancelSubscription cancels the subscription of subject's customer
	CancelSubscription(ctx context.Context, subject string) error
}

// UpstreamError is returned when the upstream API fails or answers with a non-2xx status.
type UpstreamError struct {
	Op         string
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("paywall %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("paywall %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
