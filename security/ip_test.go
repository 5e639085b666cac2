package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		policy     ProxyPolicy
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:5555",
			want:       "192.0.2.10",
		},
		{
			name:       "forwarding headers ignored without trust",
			remoteAddr: "10.0.0.1:5555",
			xff:        "203.0.113.1",
			xRealIP:    "203.0.113.2",
			want:       "10.0.0.1",
		},
		{
			name:       "one trusted proxy by default",
			remoteAddr: "10.0.0.1:5555",
			xff:        "203.0.113.1, 10.0.0.2",
			policy:     ProxyPolicy{TrustProxy: true},
			want:       "203.0.113.1",
		},
		{
			name:       "spoofed leftmost entry skipped",
			remoteAddr: "10.0.0.1:5555",
			xff:        "6.6.6.6, 203.0.113.1, 10.0.0.3, 10.0.0.2",
			policy:     ProxyPolicy{TrustProxy: true, TrustedProxyCount: 2},
			want:       "203.0.113.1",
		},
		{
			name:       "short header falls back to leftmost",
			remoteAddr: "10.0.0.1:5555",
			xff:        "203.0.113.1",
			policy:     ProxyPolicy{TrustProxy: true, TrustedProxyCount: 3},
			want:       "203.0.113.1",
		},
		{
			name:       "invalid forwarded entry uses X-Real-IP",
			remoteAddr: "10.0.0.1:5555",
			xff:        "garbage, 10.0.0.2",
			xRealIP:    "203.0.113.7",
			policy:     ProxyPolicy{TrustProxy: true},
			want:       "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(r, tt.policy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
