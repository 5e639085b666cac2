package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{name: "no upstream id", upstream: "", keep: false},
		{name: "valid upstream id", upstream: "abc-123_DEF", keep: true},
		{name: "header injection attempt", upstream: "id\r\nSet-Cookie: x=y", keep: false},
		{name: "too long", upstream: strings.Repeat("a", 129), keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				r.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q != context id %q", got, seen)
			}
			if tt.keep && seen != tt.upstream {
				t.Errorf("upstream id not preserved: %q", seen)
			}
			if !tt.keep && seen == tt.upstream {
				t.Errorf("upstream id %q should have been replaced", tt.upstream)
			}
		})
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	if GenerateRequestID() == GenerateRequestID() {
		t.Error("expected unique request IDs")
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(WithRequestID(context.Background(), "req-1"), base).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("missing request_id in %q", buf.String())
	}

	if LoggerWithRequestID(context.Background(), base) != base {
		t.Error("logger without request id should be returned unchanged")
	}
}
