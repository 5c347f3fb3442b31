package authproxy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/storegate/authproxy/instrumentation"
	"github.com/storegate/authproxy/security"
	"github.com/storegate/authproxy/storage"
)

// fallbackTokenTTL is used when the provider reports no usable expiry.
// Short enough that a misbehaving provider cannot pin a stale token.
const fallbackTokenTTL = 60 * time.Second

// TokenBroker resolves the bearer token to attach to an outbound
// proxied request. For "client" auth it maintains the single cached
// client-credentials token, fetching lazily on miss; for "auth" it
// passes the caller's own bearer through verbatim without validating it
// (that responsibility belongs to the backend API).
type TokenBroker struct {
	cache      storage.TokenCache
	creds      *clientcredentials.Config
	httpClient *http.Client
	auditor    *security.Auditor
	logger     *slog.Logger
	instr      *instrumentation.Instrumentation

	// group collapses concurrent cache misses into one grant request.
	group singleflight.Group
}

// NewTokenBroker creates a token broker for the configured backend.
func NewTokenBroker(cfg *Config, cache storage.TokenCache, auditor *security.Auditor) *TokenBroker {
	return &TokenBroker{
		cache: cache,
		creds: &clientcredentials.Config{
			ClientID:     cfg.Backend.ClientID,
			ClientSecret: cfg.Backend.ClientSecret,
			TokenURL:     strings.TrimSuffix(cfg.Backend.APIURL, "/") + cfg.Backend.TokenPath,
		},
		httpClient: cfg.HTTPClient,
		auditor:    auditor,
		logger:     cfg.Logger,
	}
}

// SetInstrumentation attaches metrics recording to the broker.
func (b *TokenBroker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	b.instr = inst
}

// ResolveToken produces the bearer token for the given authType.
// authorizationHeader is the incoming Authorization header, consulted
// only for AuthTypeAuth.
func (b *TokenBroker) ResolveToken(ctx context.Context, authType, authorizationHeader string) (string, *ProxyError) {
	switch authType {
	case AuthTypeClient:
		return b.resolveClientToken(ctx)
	case AuthTypeAuth:
		return extractBearerToken(authorizationHeader)
	default:
		return "", ErrInvalidAuthType()
	}
}

// resolveClientToken returns the cached client-credentials token,
// performing a grant on cache miss. Concurrent misses are collapsed
// into a single outbound grant via singleflight.
func (b *TokenBroker) resolveClientToken(ctx context.Context) (string, *ProxyError) {
	token, err := b.cache.GetClientToken(ctx)
	if err == nil {
		b.recordCacheHit(ctx)
		return token, nil
	}
	if err != storage.ErrTokenNotCached {
		b.logger.Error("Token cache lookup failed", "error", err)
		return "", ErrInternal()
	}

	b.recordCacheMiss(ctx)

	v, fetchErr, _ := b.group.Do("client_token", func() (any, error) {
		return b.fetchClientToken(ctx)
	})
	if fetchErr != nil {
		b.logger.Error("Client-credentials grant failed", "error", fetchErr)
		b.recordGrant(ctx, false)
		return "", ErrInternal()
	}

	return v.(string), nil
}

// fetchClientToken performs the client-credentials grant and caches the
// result with TTL = the provider's reported lifetime.
func (b *TokenBroker) fetchClientToken(ctx context.Context) (string, error) {
	if b.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	}

	tok, err := b.creds.Token(ctx)
	if err != nil {
		return "", err
	}

	ttl := time.Until(tok.Expiry)
	if tok.Expiry.IsZero() || ttl <= 0 {
		ttl = fallbackTokenTTL
	}

	if err := b.cache.SaveClientToken(ctx, tok.AccessToken, ttl); err != nil {
		// The grant succeeded; a cache write failure only costs the next
		// caller another fetch.
		b.logger.Warn("Failed to cache client token", "error", err)
	}

	if b.auditor != nil {
		b.auditor.LogClientTokenGrant(ttl)
	}
	b.recordGrant(ctx, true)

	b.logger.Debug("Obtained client-credentials token", "ttl", ttl)
	return tok.AccessToken, nil
}

// extractBearerToken pulls the bearer token out of an Authorization
// header. The token itself is not validated here.
func extractBearerToken(authorizationHeader string) (string, *ProxyError) {
	if authorizationHeader == "" {
		return "", ErrMissingBearer()
	}

	parts := strings.SplitN(authorizationHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingBearer()
	}
	return parts[1], nil
}

func (b *TokenBroker) recordCacheHit(ctx context.Context) {
	if b.instr != nil {
		b.instr.Metrics().RecordTokenCacheHit(ctx)
	}
}

func (b *TokenBroker) recordCacheMiss(ctx context.Context) {
	if b.instr != nil {
		b.instr.Metrics().RecordTokenCacheMiss(ctx)
	}
}

func (b *TokenBroker) recordGrant(ctx context.Context, success bool) {
	if b.instr != nil {
		b.instr.Metrics().RecordTokenGrant(ctx, success)
	}
}
