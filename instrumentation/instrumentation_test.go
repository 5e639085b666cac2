package instrumentation

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "prometheus exporter",
			config: Config{
				Enabled:              true,
				ServiceName:          "test-service",
				ServiceVersion:       "1.0.0",
				PrometheusRegisterer: prometheus.NewRegistry(),
			},
		},
		{
			name:   "exporter none",
			config: Config{Enabled: true, MetricsExporter: MetricsExporterNone},
		},
		{
			name:    "unknown exporter",
			config:  Config{Enabled: true, MetricsExporter: "stdout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.Meter("http") == nil {
				t.Error("Meter(http) returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer(server) returned nil")
			}
		})
	}
}

func TestNew_PrometheusExport(t *testing.T) {
	registry := prometheus.NewRegistry()
	inst, err := New(Config{Enabled: true, PrometheusRegisterer: registry})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordHTTPRequest(ctx, "POST", "token", 200, 12.5)
	inst.Metrics().RecordCacheLookup(ctx, "subscriptions", "hit")
	if err := inst.RegisterCacheSizeCallback("subscriptions", func() int64 { return 3 }); err != nil {
		t.Fatalf("RegisterCacheSizeCallback() error = %v", err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := []string{"authbridge_http_requests", "authbridge_cache_lookups", "authbridge_cache_entries"}
	for _, prefix := range want {
		found := false
		for _, mf := range families {
			if strings.HasPrefix(mf.GetName(), prefix) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("metric family with prefix %q not exported", prefix)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true, PrometheusRegisterer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	// none of these may panic on a nil span
	RecordError(nil, context.Canceled)
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddFlowAttributes(nil, "c1", "u1", "openid")
	AddStorageAttributes(nil, "get", "memory")
	AddHTTPAttributes(nil, "GET", "authorize", 302)
	AddSecurityAttributes(nil, "127.0.0.1")

	_, span := tracenoop.NewTracerProvider().Tracer("t").Start(context.Background(), "s")
	RecordError(span, context.Canceled)
	SetSpanSuccess(span)
	span.End()
}
