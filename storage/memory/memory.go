package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storegate/authproxy/storage"
)

// clientTokenKey is the single well-known key for the cached
// client-credentials token.
const clientTokenKey = "client_token"

// sessionEntry pairs a record with its expiry deadline.
type sessionEntry struct {
	record    *storage.SessionRecord
	expiresAt time.Time
}

// tokenEntry holds the cached client token and its expiry deadline.
type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// windowEntry is a fixed-window counter.
type windowEntry struct {
	count   int64
	resetAt time.Time
}

// Store is an in-memory implementation of NonceStore, TokenCache and
// RateLimitStore. Expiry is checked on read and enforced by a periodic
// sweep so abandoned entries do not accumulate.
type Store struct {
	mu sync.RWMutex

	sessions map[string]sessionEntry
	tokens   map[string]tokenEntry
	windows  map[string]*windowEntry

	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.NonceStore     = (*Store)(nil)
	_ storage.TokenCache     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
)

// New creates a new in-memory store with the default sweep interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom sweep interval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		sessions:        make(map[string]sessionEntry),
		tokens:          make(map[string]tokenEntry),
		windows:         make(map[string]*windowEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SaveSession stores a record under nonce. The expiry deadline is
// recorded in the same critical section as the write, so there is no
// window where a nonce exists without a TTL.
func (s *Store) SaveSession(_ context.Context, nonce string, record *storage.SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[nonce] = sessionEntry{
		record:    record,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetSession retrieves the record for a nonce. Expired entries are
// reported as not found, indistinguishable from never-issued nonces.
func (s *Store) GetSession(_ context.Context, nonce string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[nonce]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	return entry.record, nil
}

// DeleteSession removes a nonce.
func (s *Store) DeleteSession(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, nonce)
	return nil
}

// SaveClientToken caches the client-credentials token. At most one
// cached token exists; a save overwrites any previous entry.
func (s *Store) SaveClientToken(_ context.Context, accessToken string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[clientTokenKey] = tokenEntry{
		token:     accessToken,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetClientToken returns the cached token if present and unexpired.
func (s *Store) GetClientToken(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[clientTokenKey]
	if !ok || !s.now().Before(entry.expiresAt) {
		return "", storage.ErrTokenNotCached
	}
	return entry.token, nil
}

// IncrWindow increments the fixed-window counter for key. A new window
// starts when none is active or the previous one has rolled over; the
// counter resets atomically at the boundary.
func (s *Store) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &windowEntry{resetAt: now.Add(window)}
		s.windows[key] = entry
	}
	entry.count++
	return entry.count, entry.resetAt, nil
}

// cleanupLoop periodically removes expired entries to prevent unbounded growth.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep removes all expired sessions, tokens and rolled-over windows.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for nonce, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			delete(s.sessions, nonce)
			removed++
		}
	}
	for key, entry := range s.tokens {
		if !now.Before(entry.expiresAt) {
			delete(s.tokens, key)
			removed++
		}
	}
	for key, entry := range s.windows {
		if !now.Before(entry.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Memory store sweep completed",
			"removed", removed,
			"sessions", len(s.sessions),
			"windows", len(s.windows))
	}
}

// Close stops the sweep goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}
