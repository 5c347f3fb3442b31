package authproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/storegate/authproxy/instrumentation"
	"github.com/storegate/authproxy/security"
	"github.com/storegate/authproxy/storage"
)

// maxUpstreamResponseBytes caps how much of a downstream response body is
// relayed, bounding memory per request.
const maxUpstreamResponseBytes = 10 << 20 // 10 MB

// Server implements the auth proxy core: session issuance, session
// verification and downstream forwarding. HTTP concerns (routing,
// cookies, rate limiting, CORS) live in Handler; Server owns the
// semantics.
type Server struct {
	config    *Config
	nonces    storage.NonceStore
	broker    *TokenBroker
	signer    *security.CookieSigner
	whitelist *security.IPWhitelist
	auditor   *security.Auditor
	logger    *slog.Logger
	instr     *instrumentation.Instrumentation

	apiBase string
}

// NewServer creates a new auth proxy server. The nonce store and token
// cache are injected so deployments can choose memory or Valkey backends
// (or share one store for both).
func NewServer(config *Config, nonces storage.NonceStore, tokens storage.TokenCache) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	if nonces == nil {
		return nil, fmt.Errorf("nonce store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token cache is required")
	}

	auditor := security.NewAuditor(config.Logger, config.Security.EnableAuditLogging)

	return &Server{
		config:    config,
		nonces:    nonces,
		broker:    NewTokenBroker(config, tokens, auditor),
		signer:    security.NewCookieSigner(config.Session.Secret),
		whitelist: security.NewIPWhitelist(config.Security.IPWhitelist),
		auditor:   auditor,
		logger:    config.Logger,
		apiBase:   strings.TrimSuffix(config.Backend.APIURL, "/"),
	}, nil
}

// SetInstrumentation attaches metrics recording to the server and its
// token broker.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instr = inst
	s.broker.SetInstrumentation(inst)
}

// Config returns the server's configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Broker returns the server's token broker.
func (s *Server) Broker() *TokenBroker {
	return s.broker
}

// Signer returns the cookie signer.
func (s *Server) Signer() *security.CookieSigner {
	return s.signer
}

// IssuedSession is the result of a successful session issuance.
type IssuedSession struct {
	// Nonce is the raw session nonce (stored server side).
	Nonce string

	// SignedValue is the cookie value to set: the nonce plus its MAC.
	SignedValue string

	// TTL is the session lifetime.
	TTL time.Duration
}

// IssueSession mints a new session nonce for the given caller identity.
// The caller's IP must be whitelisted and its Origin must be the trusted
// frontend origin; both checks return the same opaque 403 so a probe
// cannot tell which gate it failed. The nonce is persisted with its TTL
// before any cookie material is returned: a store failure aborts
// issuance entirely.
func (s *Server) IssueSession(ctx context.Context, ip, userAgent, origin string) (*IssuedSession, *ProxyError) {
	if !s.whitelist.Contains(ip) {
		s.auditor.LogIssuanceDenied(ip, "ip_not_whitelisted")
		s.recordSessionRejected(ctx, "ip_not_whitelisted")
		s.logger.Warn("Session issuance denied", "ip", ip, "reason", "ip_not_whitelisted")
		return nil, ErrNotWhitelisted()
	}

	if origin != s.config.CORS.FrontendOrigin {
		s.auditor.LogIssuanceDenied(ip, "untrusted_origin")
		s.recordSessionRejected(ctx, "untrusted_origin")
		s.logger.Warn("Session issuance denied", "ip", ip, "reason", "untrusted_origin")
		return nil, ErrBadOrigin()
	}

	nonce := security.GenerateNonce()
	record := &storage.SessionRecord{
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}

	if err := s.nonces.SaveSession(ctx, nonce, record, s.config.Session.TTL); err != nil {
		s.logger.Error("Failed to persist session nonce", "error", err)
		return nil, ErrInternal()
	}

	s.auditor.LogSessionIssued(nonce, ip, s.config.Session.TTL)
	s.recordSessionIssued(ctx)

	return &IssuedSession{
		Nonce:       nonce,
		SignedValue: s.signer.Sign(nonce),
		TTL:         s.config.Session.TTL,
	}, nil
}

// VerifySession checks a presented nonce against its stored binding.
// An unknown or expired nonce yields 401. A known nonce whose IP,
// User-Agent or Origin does not match is treated as theft: the nonce is
// destroyed before the 403 is returned, so the legitimate holder's
// session dies with the attacker's attempt.
func (s *Server) VerifySession(ctx context.Context, nonce, ip, userAgent, origin string) *ProxyError {
	record, err := s.nonces.GetSession(ctx, nonce)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return ErrMissingSession()
		}
		s.logger.Error("Session lookup failed", "error", err)
		return ErrInternal()
	}

	reason := ""
	switch {
	case record.IP != ip:
		reason = "ip_mismatch"
	case record.UserAgent != userAgent:
		reason = "user_agent_mismatch"
	case origin != s.config.CORS.FrontendOrigin:
		reason = "origin_mismatch"
	}

	if reason != "" {
		if err := s.nonces.DeleteSession(ctx, nonce); err != nil {
			s.logger.Error("Failed to destroy violated session", "error", err)
		}
		s.auditor.LogSessionViolation(nonce, ip, reason)
		s.recordSessionViolation(ctx, reason)
		s.logger.Warn("Session verification failed", "ip", ip, "reason", reason)
		return ErrSessionMismatch()
	}

	return nil
}

// ProxyResult is the relayed downstream response.
type ProxyResult struct {
	// Status is the downstream HTTP status, relayed verbatim.
	Status int

	// Body is the downstream response body, relayed verbatim.
	Body []byte

	// ContentType is the downstream Content-Type header.
	ContentType string
}

// Forward resolves a bearer token for the request's authType and relays
// the call to the backend API. Downstream status codes and bodies pass
// through verbatim, including 4xx/5xx; only a transport-level failure is
// replaced with a generic error.
func (s *Server) Forward(ctx context.Context, req *ProxyRequest, authorizationHeader string) (*ProxyResult, *ProxyError) {
	if req.Path == "" {
		return nil, ErrMissingPath()
	}
	if !s.pathAllowed(req.Path) {
		s.logger.Warn("Proxy request to disallowed path", "path", req.Path)
		return nil, ErrPathNotAllowed()
	}

	token, perr := s.broker.ResolveToken(ctx, req.AuthType, authorizationHeader)
	if perr != nil {
		return nil, perr
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body := []byte(req.Data)
	if len(body) == 0 {
		body = []byte("{}")
	}

	out, err := http.NewRequestWithContext(ctx, method, s.apiBase+req.Path, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to build downstream request", "error", err)
		return nil, ErrUpstream()
	}
	out.Header.Set("Authorization", "Bearer "+token)
	out.Header.Set("Accept", "application/json")
	out.Header.Set("Content-Type", "application/json")

	resp, err := s.config.HTTPClient.Do(out)
	if err != nil {
		s.logger.Error("Downstream request failed", "method", method, "path", req.Path, "error", err)
		s.recordUpstreamError(ctx)
		return nil, ErrUpstream()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
	if err != nil {
		s.logger.Error("Failed to read downstream response", "error", err)
		s.recordUpstreamError(ctx)
		return nil, ErrUpstream()
	}

	s.recordProxyRequest(ctx, resp.StatusCode)
	s.logger.Debug("Proxied downstream request",
		"method", method,
		"path", req.Path,
		"status", resp.StatusCode)

	return &ProxyResult{
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// pathAllowed checks the optional path allow-list. An empty list allows
// every path.
func (s *Server) pathAllowed(path string) bool {
	prefixes := s.config.Backend.AllowedPathPrefixes
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) recordSessionIssued(ctx context.Context) {
	if s.instr != nil {
		s.instr.Metrics().RecordSessionIssued(ctx)
	}
}

func (s *Server) recordSessionRejected(ctx context.Context, reason string) {
	if s.instr != nil {
		s.instr.Metrics().RecordSessionRejected(ctx, reason)
	}
}

func (s *Server) recordSessionViolation(ctx context.Context, reason string) {
	if s.instr != nil {
		s.instr.Metrics().RecordSessionViolation(ctx, reason)
	}
}

func (s *Server) recordProxyRequest(ctx context.Context, status int) {
	if s.instr != nil {
		s.instr.Metrics().RecordProxyRequest(ctx, status)
	}
}

func (s *Server) recordUpstreamError(ctx context.Context) {
	if s.instr != nil {
		s.instr.Metrics().RecordUpstreamError(ctx)
	}
}
