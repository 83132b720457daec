package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the caller address. Forwarding headers are only
// honoured when TrustProxy is set; TrustedProxyCount is how many proxies we
// run in front of the gateway (the rightmost X-Forwarded-For entries).
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the client address of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	return GetClientIP(r, c.TrustProxy, c.TrustedProxyCount)
}

// GetClientIP extracts the client IP address from the request.
//
// X-Forwarded-For is "client, proxy1, proxy2"; with trustedProxyCount=2 the
// client is ips[len-3]. A count of zero is treated as one proxy. When the
// list is shorter than expected the leftmost entry is used.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseAddr(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ParseClientAddr parses an address returned by GetClientIP.
func ParseClientAddr(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func ipFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(ips) - proxies - 1
	if idx < 0 {
		idx = 0
	}
	return parseAddr(ips[idx])
}

func parseAddr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if ip := parseAddr(host); ip != "" {
		return ip
	}
	return host
}
