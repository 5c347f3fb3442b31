package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned for absent and expired nonces alike.
// Callers must treat both as "invalid session"; the two cases are
// indistinguishable.
var ErrSessionNotFound = errors.New("session not found")

// ErrTokenNotCached is returned when no client token is cached.
var ErrTokenNotCached = errors.New("client token not cached")

// SessionRecord is the state stored under a nonce at issuance. A record
// is immutable once written; it is either present-and-unexpired or
// absent, with no partial-update path.
type SessionRecord struct {
	// IP is the client IP at issuance
	IP string `json:"ip"`

	// UserAgent is the exact User-Agent header value at issuance
	UserAgent string `json:"user_agent"`

	// CreatedAt is the issuance timestamp
	CreatedAt time.Time `json:"created_at"`
}

// NonceStore persists session records keyed by nonce with per-key expiry.
// Save must attach the TTL atomically with the write so a nonce is never
// persisted without an expiry.
// All methods accept context.Context for tracing and cancellation.
type NonceStore interface {
	// SaveSession stores a record under nonce with the given TTL.
	// A save failure must abort issuance: no cookie may be set unless
	// the session is durably stored.
	SaveSession(ctx context.Context, nonce string, record *SessionRecord, ttl time.Duration) error

	// GetSession retrieves the record for a nonce.
	// Returns ErrSessionNotFound for absent or expired nonces.
	GetSession(ctx context.Context, nonce string) (*SessionRecord, error)

	// DeleteSession removes a nonce. Deleting an absent nonce is not an error.
	DeleteSession(ctx context.Context, nonce string) error
}

// TokenCache holds at most one client-credentials token under a
// well-known key. The token is never refreshed proactively, only lazily
// on cache miss; expiry is enforced by the store's TTL.
type TokenCache interface {
	// SaveClientToken caches the token with TTL = the provider's expires_in.
	SaveClientToken(ctx context.Context, accessToken string, ttl time.Duration) error

	// GetClientToken returns the cached token, or ErrTokenNotCached.
	GetClientToken(ctx context.Context) (string, error)
}

// RateLimitStore counts requests per identity within fixed windows.
// Implementations backed by a shared store let multiple proxy instances
// enforce a common window.
type RateLimitStore interface {
	// IncrWindow increments the counter for key, starting a new window of
	// the given length if none is active. Returns the count after the
	// increment and the time the current window resets.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Pinger reports whether the backing store is reachable. Implemented by
// networked stores; used by the health endpoint and at boot.
type Pinger interface {
	Ping(ctx context.Context) error
}
