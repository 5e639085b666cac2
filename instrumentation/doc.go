// Package instrumentation provides OpenTelemetry metrics and tracing for the auth bridge.
//
// When Config.Enabled is false every component records into no-op providers.
// When enabled, metrics are exported through the OpenTelemetry Prometheus
// exporter into a Prometheus registerer, so the usual promhttp handler serves them:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "mcp-authbridge",
//		ServiceVersion:  version,
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP:
//   - authbridge.http.requests.total{method, endpoint, status}
//   - authbridge.http.request.duration{endpoint}
//
// Flow:
//   - authbridge.authorization.started{client_id}
//   - authbridge.code.issued{client_id, success}
//   - authbridge.code.exchanged{client_id, pkce_method}
//   - authbridge.token.refreshed{client_id, rotated}
//   - authbridge.signout{revoked, success}
//   - authbridge.token.validation{valid}
//
// Security:
//   - authbridge.rate_limit.exceeded{limiter_type}
//   - authbridge.pkce.validation_failed{method}
//   - authbridge.code.reuse_detected
//   - authbridge.audit.events.total{event_type}
//
// Storage:
//   - authbridge.storage.operation.total{backend, operation, result}
//   - authbridge.storage.operation.duration{backend, operation}
//   - authbridge.storage.refresh_tokens{backend}
//
// Dedup cache:
//   - authbridge.cache.lookups{cache, result}
//   - authbridge.cache.loads{cache, result}
//   - authbridge.cache.evictions{cache, reason}
//   - authbridge.cache.entries{cache}
//
// Upstream paywall:
//   - authbridge.upstream.calls.total{operation, status}
//   - authbridge.upstream.duration{operation}
//   - authbridge.upstream.errors{operation, error_type}
//
// Credentials are never recorded. Client IPs are attached to spans only when
// Config.LogClientIPs is set.
package instrumentation
