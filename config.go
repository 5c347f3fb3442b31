// Package authproxy implements a nonce-gated reverse auth proxy that sits
// between a trusted storefront frontend and a backend REST API. It issues
// signed session cookies bound to client IP, User-Agent and Origin,
// rate-limits the credential-minting and proxy endpoints, brokers OAuth2
// client-credentials tokens, and forwards validated requests downstream.
package authproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultSessionTTL is how long an issued session nonce remains valid.
	DefaultSessionTTL = 120 * time.Second

	// DefaultSessionCookieName is the name of the signed session cookie.
	DefaultSessionCookieName = "authproxy_session"

	// DefaultAuthLimitMax is the request ceiling for the session-issuance
	// endpoint per window. Stricter than the proxy limit because issuance
	// is the credential-minting operation.
	DefaultAuthLimitMax = 5

	// DefaultProxyLimitMax is the request ceiling for the proxy endpoint
	// per window.
	DefaultProxyLimitMax = 30

	// DefaultRateLimitWindow is the fixed window applied by both limiters.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultUpstreamTimeout bounds the token grant and proxied API calls.
	DefaultUpstreamTimeout = 30 * time.Second
)

// Config holds the auth proxy configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// Backend configures the downstream API the proxy forwards to.
	Backend BackendConfig

	// Session configures nonce issuance and the signed session cookie.
	Session SessionConfig

	// RateLimit configures the fixed-window limiters.
	RateLimit RateLimitConfig

	// Security holds trust and header settings (secure by default).
	Security SecurityConfig

	// CORS configures the single trusted frontend origin.
	CORS CORSConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is the client used for the token grant and proxied calls.
	// If not provided, a client with DefaultUpstreamTimeout is used.
	HTTPClient *http.Client
}

// BackendConfig holds downstream API settings.
type BackendConfig struct {
	// APIURL is the backend base URL (required), e.g. "https://api.internal".
	APIURL string

	// ClientID is the OAuth client ID for the client-credentials grant (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// TokenPath is the token endpoint path relative to APIURL.
	// Default: "/oauth/token".
	TokenPath string

	// AllowedPathPrefixes optionally restricts which backend paths may be
	// proxied. Empty means any path is forwarded (the frontend origin was
	// already authenticated at session-establishment time).
	AllowedPathPrefixes []string
}

// SessionConfig holds nonce and cookie settings.
type SessionConfig struct {
	// Secret is the cookie-signing key (required).
	Secret string

	// CookieName names the signed session cookie.
	// Default: DefaultSessionCookieName.
	CookieName string

	// TTL is the nonce lifetime and cookie Max-Age.
	// Default: DefaultSessionTTL (120s).
	TTL time.Duration
}

// RateLimitConfig holds fixed-window limiter settings.
type RateLimitConfig struct {
	// AuthMax is the per-window ceiling for /api/server-token, keyed by
	// IP + User-Agent. Default: DefaultAuthLimitMax.
	AuthMax int

	// ProxyMax is the per-window ceiling for /api/proxy, keyed by IP.
	// Default: DefaultProxyLimitMax.
	ProxyMax int

	// Window is the fixed window length for both limiters.
	// Default: DefaultRateLimitWindow.
	Window time.Duration
}

// SecurityConfig holds trust settings (secure by default).
type SecurityConfig struct {
	// IPWhitelist lists the IPs allowed to call /api/server-token.
	// The issuance endpoint is meant for trusted infrastructure (the
	// storefront's SSR tier), not arbitrary browsers. Required.
	IPWhitelist []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP. Default: 1.
	TrustedProxyCount int

	// Production enables the Secure cookie attribute and HSTS.
	Production bool

	// EnableAuditLogging enables the security audit trail
	// (session issuance, verification violations, rate-limit hits).
	EnableAuditLogging bool
}

// CORSConfig holds the trusted frontend origin.
type CORSConfig struct {
	// FrontendOrigin is the exact origin string the proxy trusts (required),
	// e.g. "https://shop.example.com". Used for both the Origin check at
	// issuance/verification and the CORS response headers.
	FrontendOrigin string

	// MaxAge is the preflight cache duration in seconds. Default: 3600.
	MaxAge int
}

// Validate checks that all required configuration is present.
// Missing required values are startup errors and must prevent the
// service from accepting traffic.
func (c *Config) Validate() error {
	if c.Backend.APIURL == "" {
		return fmt.Errorf("backend API URL is required")
	}
	if _, err := url.Parse(c.Backend.APIURL); err != nil {
		return fmt.Errorf("invalid backend API URL: %w", err)
	}
	if c.Backend.ClientID == "" {
		return fmt.Errorf("backend client ID is required")
	}
	if c.Backend.ClientSecret == "" {
		return fmt.Errorf("backend client secret is required")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("session secret is required")
	}
	if c.CORS.FrontendOrigin == "" {
		return fmt.Errorf("frontend origin is required")
	}
	if len(c.Security.IPWhitelist) == 0 {
		return fmt.Errorf("IP whitelist is required for the issuance endpoint")
	}
	return nil
}

// applyDefaults fills unset optional fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultSessionCookieName
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.RateLimit.AuthMax == 0 {
		c.RateLimit.AuthMax = DefaultAuthLimitMax
	}
	if c.RateLimit.ProxyMax == 0 {
		c.RateLimit.ProxyMax = DefaultProxyLimitMax
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.Backend.TokenPath == "" {
		c.Backend.TokenPath = "/oauth/token"
	}
	if c.Security.TrustedProxyCount == 0 {
		c.Security.TrustedProxyCount = 1
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = 3600
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultUpstreamTimeout}
	}
}
