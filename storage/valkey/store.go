package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/storegate/authproxy/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authproxy:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// clientTokenKey is the single well-known key suffix for the cached
	// client-credentials token
	clientTokenKey = "client_token"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authproxy:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of NonceStore, TokenCache and
// RateLimitStore. Session writes use SET with EX so the value and its
// TTL are attached in a single atomic command; rate-limit counters use
// INCR with a window-scoped expiry, which gives multiple proxy
// instances a shared fixed window.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.NonceStore     = (*Store)(nil)
	_ storage.TokenCache     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.Pinger         = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established: an
// unreachable store at boot must prevent the service from starting.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// sessionKey returns the key for a session nonce: {prefix}session:{nonce}
func (s *Store) sessionKey(nonce string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, nonce)
}

// tokenKey returns the well-known client token key: {prefix}client_token
func (s *Store) tokenKey() string {
	return s.prefix + clientTokenKey
}

// windowKey returns the key for a rate-limit counter: {prefix}ratelimit:{key}
func (s *Store) windowKey(key string) string {
	return fmt.Sprintf("%sratelimit:%s", s.prefix, key)
}

// SaveSession stores a session record with its TTL in one atomic SET..EX.
func (s *Store) SaveSession(ctx context.Context, nonce string, record *storage.SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	key := s.sessionKey(nonce)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debug("Saved session nonce", "ttl", ttl)
	return nil
}

// GetSession retrieves a session record. Expired keys have already been
// dropped by Valkey, so absent and expired nonces are indistinguishable.
func (s *Store) GetSession(ctx context.Context, nonce string) (*storage.SessionRecord, error) {
	key := s.sessionKey(nonce)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var record storage.SessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}

	return &record, nil
}

// DeleteSession removes a session nonce. Deleting an absent nonce is a no-op.
func (s *Store) DeleteSession(ctx context.Context, nonce string) error {
	key := s.sessionKey(nonce)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SaveClientToken caches the client-credentials token under the
// well-known key with TTL = the provider's reported lifetime.
func (s *Store) SaveClientToken(ctx context.Context, accessToken string, ttl time.Duration) error {
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.tokenKey()).Value(accessToken).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to cache client token: %w", err)
	}

	s.logger.Debug("Cached client token", "ttl", ttl)
	return nil
}

// GetClientToken returns the cached client token, if any.
func (s *Store) GetClientToken(ctx context.Context) (string, error) {
	token, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrTokenNotCached
		}
		return "", fmt.Errorf("failed to get client token: %w", err)
	}
	return token, nil
}

// IncrWindow increments the fixed-window counter for key. The first
// increment of a window attaches the expiry; the key vanishing at TTL is
// the window reset.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	wk := s.windowKey(key)

	count, err := s.client.Do(ctx, s.client.B().Incr().Key(wk).Build()).AsInt64()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := s.client.Do(ctx, s.client.B().Expire().Key(wk).Seconds(int64(window.Seconds())).Build()).Error(); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to set rate limit window: %w", err)
		}
		return count, time.Now().Add(window), nil
	}

	// Established window: derive the reset time from the remaining TTL.
	ttl, err := s.client.Do(ctx, s.client.B().Ttl().Key(wk).Build()).AsInt64()
	if err != nil || ttl < 0 {
		// Counter without expiry (lost between INCR and EXPIRE); reattach.
		_ = s.client.Do(ctx, s.client.B().Expire().Key(wk).Seconds(int64(window.Seconds())).Build()).Error()
		return count, time.Now().Add(window), nil
	}

	return count, time.Now().Add(time.Duration(ttl) * time.Second), nil
}

// isNilError checks if an error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
