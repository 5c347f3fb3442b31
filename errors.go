package authproxy

import (
	"fmt"
	"net/http"
)

// ProxyError is the uniform error type returned by every stage of the
// request pipeline (rate limit, verification, token resolution, proxy).
// The handler performs a single mapping from ProxyError to a structured
// JSON body; error messages never include stack traces, internal paths
// or secrets.
type ProxyError struct {
	Message string // short human-readable message sent to the caller
	Status  int    // HTTP status code
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// NewProxyError creates a new proxy error
func NewProxyError(message string, status int) *ProxyError {
	return &ProxyError{Message: message, Status: status}
}

// Common proxy errors as reusable constructors
var (
	// ErrMissingSession indicates the session cookie is absent, unsigned
	// or unknown to the nonce store. Expired and never-issued sessions
	// produce the same response.
	ErrMissingSession = func() *ProxyError {
		return NewProxyError("Invalid or missing session", http.StatusUnauthorized)
	}

	// ErrSessionMismatch indicates the session failed IP, User-Agent or
	// Origin binding. The nonce is destroyed as a side effect.
	ErrSessionMismatch = func() *ProxyError {
		return NewProxyError("Session verification failed", http.StatusForbidden)
	}

	// ErrNotWhitelisted indicates the caller's IP may not mint sessions.
	ErrNotWhitelisted = func() *ProxyError {
		return NewProxyError("Forbidden", http.StatusForbidden)
	}

	// ErrBadOrigin indicates the Origin header is absent or untrusted.
	ErrBadOrigin = func() *ProxyError {
		return NewProxyError("Forbidden", http.StatusForbidden)
	}

	// ErrMissingPath indicates the proxy request lacks a target path.
	ErrMissingPath = func() *ProxyError {
		return NewProxyError("Missing Endpoint URL", http.StatusBadRequest)
	}

	// ErrInvalidAuthType indicates an authType other than "client" or "auth".
	ErrInvalidAuthType = func() *ProxyError {
		return NewProxyError("Invalid auth type", http.StatusBadRequest)
	}

	// ErrMissingBearer indicates authType "auth" without a usable
	// Authorization header.
	ErrMissingBearer = func() *ProxyError {
		return NewProxyError("Missing or malformed bearer token", http.StatusUnauthorized)
	}

	// ErrPathNotAllowed indicates the requested backend path is outside
	// the configured allow-list.
	ErrPathNotAllowed = func() *ProxyError {
		return NewProxyError("Endpoint not allowed", http.StatusForbidden)
	}

	// ErrRateLimited indicates a fixed-window ceiling was hit. The body is
	// identical for both limiters so callers cannot fingerprint the key
	// strategy; Retry-After carries the seconds until the window resets.
	ErrRateLimited = func() *ProxyError {
		return NewProxyError("Too many requests", http.StatusTooManyRequests)
	}

	// ErrUpstream indicates a downstream failure with no more specific
	// status or message available.
	ErrUpstream = func() *ProxyError {
		return NewProxyError("Endpoint request failed", http.StatusInternalServerError)
	}

	// ErrInternal indicates an internal failure (store unreachable,
	// token grant failed). Details stay in the server log.
	ErrInternal = func() *ProxyError {
		return NewProxyError("Internal server error", http.StatusInternalServerError)
	}
)
