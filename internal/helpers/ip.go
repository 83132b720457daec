package helpers

import (
	"net"
	"strings"
)

// IPClassification represents the classification of an IP address.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified or unparseable address.
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of an IP address.
//
// Classifications:
//   - Unspecified: 0.0.0.0, :: and nil
//   - Loopback: 127.0.0.0/8, ::1
//   - LinkLocal: 169.254.0.0/16, fe80::/10, ff02::/16
//   - Private: RFC 1918 (10/8, 172.16/12, 192.168/16), fc00::/7
//   - Public: All other addresses
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil || ip.IsUnspecified() {
		return IPClassificationUnspecified
	}
	if ip.IsLoopback() {
		return IPClassificationLoopback
	}
	if IsLinkLocal(ip) {
		return IPClassificationLinkLocal
	}
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// ClassifyAddress parses s (optionally bracketed or with a zone) and
// classifies it. Unparseable input is Unspecified.
func ClassifyAddress(s string) IPClassification {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return ClassifyIP(net.ParseIP(s))
}

// IsLinkLocal checks if an IP address is link-local (unicast or multicast).
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname checks if a hostname represents a loopback address.
// This includes the entire 127.0.0.0/8 range (RFC 1122) and IPv6 ::1.
// Expects hostname without port (as returned by url.URL.Hostname()).
//
// Note: This function does NOT consider 0.0.0.0 as loopback (it's "unspecified").
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
