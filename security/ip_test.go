package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "X-Forwarded-For with trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			trustProxy:    true,
			want:          "203.0.113.1",
		},
		{
			name:          "X-Forwarded-For without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:       "X-Real-IP with trust",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.1",
			trustProxy: true,
			want:       "203.0.113.1",
		},
		{
			name:              "multiple trusted proxies",
			remoteAddr:        "10.0.0.1:12345",
			xForwardedFor:     "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:              "spoofed leftmost entry is ignored",
			remoteAddr:        "10.0.0.1:12345",
			xForwardedFor:     "6.6.6.6, 203.0.113.9, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:          "garbage X-Forwarded-For falls back to remote addr",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip",
			trustProxy:    true,
			want:          "10.0.0.1",
		},
		{
			name:       "IPv4-mapped IPv6 is unmapped",
			remoteAddr: "[::ffff:192.0.2.7]:443",
			want:       "192.0.2.7",
		},
		{
			name:       "IPv6 remote addr",
			remoteAddr: "[::1]:443",
			want:       "::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.8",
			want:       "192.0.2.8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(req, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}

			resolver := ClientIPResolver{TrustProxy: tt.trustProxy, TrustedProxyCount: tt.trustedProxyCount}
			if got := resolver.ClientIP(req); got != tt.want {
				t.Errorf("ClientIPResolver.ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseClientAddr(t *testing.T) {
	addr, ok := ParseClientAddr("10.1.2.3")
	if !ok || !addr.IsPrivate() {
		t.Errorf("ParseClientAddr(10.1.2.3) = %v, %v", addr, ok)
	}
	if _, ok := ParseClientAddr("nope"); ok {
		t.Error("expected parse failure")
	}
}
