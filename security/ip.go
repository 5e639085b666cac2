package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyPolicy describes how much of the forwarding headers may be believed.
type ProxyPolicy struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Leave it off unless
	// the bridge only receives traffic through a reverse proxy you run.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appended to X-Forwarded-For
	// by your own infrastructure. Zero is treated as one.
	TrustedProxyCount int
}

// ClientIP returns the address of the caller according to policy.
func ClientIP(r *http.Request, policy ProxyPolicy) string {
	if policy.TrustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), policy.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry just left of the trusted proxies.
// With "client, p1, p2" and two trusted proxies the result is "client".
func fromForwardedFor(header string, trusted int) string {
	if header == "" {
		return ""
	}
	if trusted <= 0 {
		trusted = 1
	}

	hops := strings.Split(header, ",")
	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
