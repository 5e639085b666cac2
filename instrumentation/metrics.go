package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the auth bridge
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Auth Bridge Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	SignOut              metric.Int64Counter
	TokenValidation      metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageRefreshTokens     metric.Int64ObservableGauge

	// Dedup Cache Metrics
	CacheLookups   metric.Int64Counter
	CacheLoads     metric.Int64Counter
	CacheEvictions metric.Int64Counter
	CacheEntries   metric.Int64ObservableGauge

	// Upstream Paywall Metrics
	UpstreamCallsTotal metric.Int64Counter
	UpstreamDuration   metric.Float64Histogram
	UpstreamErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	cacheMeter := inst.Meter("cache")
	paywallMeter := inst.Meter("paywall")

	// HTTP Layer Metrics
	if m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"authbridge.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}
	if m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"authbridge.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// Auth Bridge Flow Metrics
	if m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"authbridge.authorization.started",
		metric.WithDescription("Number of authorization requests stashed and sent to the identity provider"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}
	if m.CodeIssued, err = serverMeter.Int64Counter(
		"authbridge.code.issued",
		metric.WithDescription("Number of identity provider callbacks processed"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}
	if m.CodeExchanged, err = serverMeter.Int64Counter(
		"authbridge.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}
	if m.TokenRefreshed, err = serverMeter.Int64Counter(
		"authbridge.token.refreshed",
		metric.WithDescription("Number of refresh grants served"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}
	if m.SignOut, err = serverMeter.Int64Counter(
		"authbridge.signout",
		metric.WithDescription("Number of sign-outs and the refresh tokens they revoked"),
		metric.WithUnit("{signout}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create signout counter: %w", err)
	}
	if m.TokenValidation, err = serverMeter.Int64Counter(
		"authbridge.token.validation",
		metric.WithDescription("Number of access token validations on protected routes"),
		metric.WithUnit("{validation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token.validation counter: %w", err)
	}

	// Security Metrics
	if m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"authbridge.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}
	if m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"authbridge.pkce.validation_failed",
		metric.WithDescription("Number of code exchanges rejected by PKCE verification"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}
	if m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"authbridge.code.reuse_detected",
		metric.WithDescription("Number of authorization code replays"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	// Storage Metrics
	if m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"authbridge.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}
	if m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"authbridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}
	if m.StorageRefreshTokens, err = storageMeter.Int64ObservableGauge(
		"authbridge.storage.refresh_tokens",
		metric.WithDescription("Number of refresh token records held by the store"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens gauge: %w", err)
	}

	// Dedup Cache Metrics
	if m.CacheLookups, err = cacheMeter.Int64Counter(
		"authbridge.cache.lookups",
		metric.WithDescription("Cache lookups by result (hit, miss, shared)"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.lookups counter: %w", err)
	}
	if m.CacheLoads, err = cacheMeter.Int64Counter(
		"authbridge.cache.loads",
		metric.WithDescription("Upstream loads started by the cache"),
		metric.WithUnit("{load}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.loads counter: %w", err)
	}
	if m.CacheEvictions, err = cacheMeter.Int64Counter(
		"authbridge.cache.evictions",
		metric.WithDescription("Cache entries removed by reason (expired, capacity, invalidated)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.evictions counter: %w", err)
	}
	if m.CacheEntries, err = cacheMeter.Int64ObservableGauge(
		"authbridge.cache.entries",
		metric.WithDescription("Number of entries currently cached"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.entries gauge: %w", err)
	}

	// Upstream Paywall Metrics
	if m.UpstreamCallsTotal, err = paywallMeter.Int64Counter(
		"authbridge.upstream.calls.total",
		metric.WithDescription("Total number of upstream paywall API calls"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream.calls.total counter: %w", err)
	}
	if m.UpstreamDuration, err = paywallMeter.Float64Histogram(
		"authbridge.upstream.duration",
		metric.WithDescription("Upstream paywall API call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream.duration histogram: %w", err)
	}
	if m.UpstreamErrors, err = paywallMeter.Int64Counter(
		"authbridge.upstream.errors",
		metric.WithDescription("Failed upstream paywall API calls"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream.errors counter: %w", err)
	}

	// Audit Metrics
	if m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"authbridge.audit.events.total",
		metric.WithDescription("Total number of security audit events"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthorizationStarted records a stashed authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeIssued records the outcome of an identity provider callback
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string, success bool) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records a successful code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordSignOut records a sign-out and whether the revocation reached the store
func (m *Metrics) RecordSignOut(ctx context.Context, revoked int, success bool) {
	m.SignOut.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("revoked", revoked),
		attribute.Bool("success", success),
	))
}

// RecordTokenValidation records an access token check on a protected route
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE verification failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code replay
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
	))
}

// RecordCacheLookup records a cache lookup with result "hit", "miss" or "shared"
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attrCache(cache),
		attribute.String("result", result),
	))
}

// RecordCacheLoad records an upstream load started by a cache
func (m *Metrics) RecordCacheLoad(ctx context.Context, cache string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.CacheLoads.Add(ctx, 1, metric.WithAttributes(
		attrCache(cache),
		attribute.String("result", result),
	))
}

// RecordCacheEviction records removed cache entries
func (m *Metrics) RecordCacheEviction(ctx context.Context, cache, reason string, count int) {
	if count <= 0 {
		return
	}
	m.CacheEvictions.Add(ctx, int64(count), metric.WithAttributes(
		attrCache(cache),
		attribute.String("reason", reason),
	))
}

// RecordUpstreamCall records a paywall API call
func (m *Metrics) RecordUpstreamCall(ctx context.Context, operation string, statusCode int, durationMs float64, err error) {
	m.UpstreamCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.UpstreamDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "transport"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}
		m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func attrBackend(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

func attrCache(name string) attribute.KeyValue {
	return attribute.String("cache", name)
}
