package paywall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-authbridge/cache"
	"github.com/giantswarm/mcp-authbridge/instrumentation"
)

// ServiceConfig configures Service. Zero values use the cache defaults.
type ServiceConfig struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	LoadTimeout     time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Service answers customer and subscription questions through deduplicating caches.
type Service struct {
	client        Client
	customers     *cache.Cache[string, *Customer]
	subscriptions *cache.Cache[string, *Subscription]
	logger        *slog.Logger
}

// NewService wraps client
func NewService(client Client, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cacheConfig := func(name string) cache.Config {
		return cache.Config{
			Name:            name,
			TTL:             cfg.CacheTTL,
			MaxEntries:      cfg.CacheMaxEntries,
			LoadTimeout:     cfg.LoadTimeout,
			Logger:          logger,
			Clock:           cfg.Clock,
			Instrumentation: cfg.Instrumentation,
		}
	}

	return &Service{
		client:        client,
		customers:     cache.New(cacheConfig("customers"), client.EnsureCustomer),
		subscriptions: cache.New(cacheConfig("subscriptions"), client.Subscription),
		logger:        logger,
	}
}

// Customer returns subject's customer, creating it upstream on first use
func (s *Service) Customer(ctx context.Context, subject string) (*Customer, error) {
	return s.customers.Get(ctx, subject)
}

// Subscription returns subject's subscription. The customer is ensured first.
func (s *Service) Subscription(ctx context.Context, subject string) (*Subscription, error) {
	if _, err := s.customers.Get(ctx, subject); err != nil {
		return nil, err
	}
	return s.subscriptions.Get(ctx, subject)
}

// CancelSubscription cancels upstream and drops the cached state of subject
func (s *Service) CancelSubscription(ctx context.Context, subject string) error {
	if err := s.client.CancelSubscription(ctx, subject); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	s.Invalidate(subject)
	s.logger.Info("Subscription cancelled")
	return nil
}

// Invalidate drops cached customer and subscription entries for subject
func (s *Service) Invalidate(subject string) {
	s.customers.Invalidate(subject)
	s.subscriptions.Invalidate(subject)
}

// CleanupExpired sweeps both caches and returns the number of entries removed
func (s *Service) CleanupExpired() int {
	return s.customers.CleanupExpired() + s.subscriptions.CleanupExpired()
}
