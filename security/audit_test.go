package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		log     func(a *Auditor)
		want    []string
	}{
		{
			name:    "disabled auditor writes nothing",
			enabled: false,
			log:     func(a *Auditor) { a.LogCodeIssued("user-1", "c1", "203.0.113.1") },
		},
		{
			name:    "code issued",
			enabled: true,
			log:     func(a *Auditor) { a.LogCodeIssued("user-1", "c1", "203.0.113.1") },
			want:    []string{"event_type=" + EventAuthorizationCodeIssued, "client_id=c1", "ip_address=203.0.113.1"},
		},
		{
			name:    "sign out",
			enabled: true,
			log:     func(a *Auditor) { a.LogAllTokensRevoked("user-1", "203.0.113.1", "sign_out", 3) },
			want:    []string{"event_type=" + EventAllTokensRevoked, "revoked:3"},
		},
		{
			name:    "code reuse",
			enabled: true,
			log:     func(a *Auditor) { a.LogCodeReuse("user-1", "c1", "") },
			want:    []string{"event_type=" + EventAuthorizationCodeReuseDetected, "severity:critical"},
		},
		{
			name:    "rate limit",
			enabled: true,
			log:     func(a *Auditor) { a.LogRateLimitExceeded("203.0.113.9", "/oauth/token") },
			want:    []string{"event_type=" + EventRateLimitExceeded, "/oauth/token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(tt.enabled)
			tt.log(auditor)

			out := buf.String()
			if len(tt.want) == 0 && out != "" {
				t.Fatalf("expected no output, got %q", out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q does not contain %q", out, w)
				}
			}
		})
	}
}

func TestAuditor_HashesSubject(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)
	auditor.LogTokenIssued("alice@example.com", "c1", "", "openid")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("subject must not be logged in clear text")
	}
	if !strings.Contains(out, "subject_hash="+hashForLogging("alice@example.com")) {
		t.Errorf("expected hashed subject in %q", out)
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var a *Auditor
	a.LogAuthFailure("u", "c", "ip", "reason")
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h := hashForLogging("user-1")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != hashForLogging("user-1") {
		t.Error("hash must be deterministic")
	}
	if h == hashForLogging("user-2") {
		t.Error("different inputs should hash differently")
	}
}
