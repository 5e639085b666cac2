package util

import "net"

// HostClass is the security classification of a redirect URI host.
type HostClass int

const (
	// HostPublic is a DNS name or a publicly routable address.
	HostPublic HostClass = iota
	// HostLoopback is localhost, 127.0.0.0/8 or ::1.
	HostLoopback
	// HostPrivate is an RFC 1918 or fc00::/7 address.
	HostPrivate
	// HostLinkLocal covers 169.254.0.0/16 and fe80::/10, including cloud metadata endpoints.
	HostLinkLocal
	// HostUnspecified is 0.0.0.0 or ::.
	HostUnspecified
)

// String returns a short name for the class.
func (c HostClass) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyHost classifies a hostname as returned by url.URL.Hostname().
// Names that are not IP literals are public, except "localhost".
func ClassifyHost(hostname string) HostClass {
	if hostname == "localhost" {
		return HostLoopback
	}
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return HostPublic
	}
	switch {
	case ip.IsUnspecified():
		return HostUnspecified
	case ip.IsLoopback():
		return HostLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return HostLinkLocal
	case ip.IsPrivate():
		return HostPrivate
	default:
		return HostPublic
	}
}

// IsLoopbackHostname reports whether hostname refers to the local machine.
func IsLoopbackHostname(hostname string) bool {
	return ClassifyHost(hostname) == HostLoopback
}
