package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "spoofed XFF without trust",
			remoteAddr: "203.0.113.7:54321",
			xff:        "10.0.0.99",
			want:       "203.0.113.7",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.1:443",
			xff:               "203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:443",
			xff:               "203.0.113.7, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:443",
			xRealIP:    "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "invalid XFF falls through to remote addr",
			remoteAddr: "203.0.113.7:54321",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIPWhitelist(t *testing.T) {
	wl := NewIPWhitelist([]string{"203.0.113.7", " 198.51.100.2 ", "::1", ""})

	if wl.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", wl.Len())
	}

	if !wl.Contains("203.0.113.7") {
		t.Error("expected 203.0.113.7 to be whitelisted")
	}
	if !wl.Contains("198.51.100.2") {
		t.Error("expected trimmed entry to be whitelisted")
	}
	if wl.Contains("203.0.113.8") {
		t.Error("unexpected IP whitelisted")
	}
}

func TestIPWhitelistNormalization(t *testing.T) {
	// Textual variants of the same address compare equal.
	wl := NewIPWhitelist([]string{"::ffff:203.0.113.7"})
	if !wl.Contains("203.0.113.7") {
		t.Error("expected IPv4-mapped form to match the plain IPv4")
	}

	wl = NewIPWhitelist([]string{"2001:db8:0:0:0:0:0:1"})
	if !wl.Contains("2001:db8::1") {
		t.Error("expected long and short IPv6 forms to match")
	}
}

func TestIPWhitelistUnparseableFailsClosed(t *testing.T) {
	wl := NewIPWhitelist([]string{"not an ip"})
	if wl.Contains("203.0.113.7") {
		t.Error("typo entry must not match real addresses")
	}
}
