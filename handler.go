package authproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/storegate/authproxy/instrumentation"
	"github.com/storegate/authproxy/security"
	"github.com/storegate/authproxy/storage"
)

// maxProxyRequestBytes caps the JSON body accepted on the proxy endpoint.
const maxProxyRequestBytes = 1 << 20 // 1 MB

// Handler exposes the auth proxy over HTTP. It owns the concerns the
// Server deliberately does not: routing, cookies, rate limiting, CORS
// and the uniform JSON error mapping.
type Handler struct {
	server       *Server
	authLimiter  *security.RateLimiter
	proxyLimiter *security.RateLimiter
	pinger       storage.Pinger
	logger       *slog.Logger
	instr        *instrumentation.Instrumentation
}

// NewHandler creates the HTTP handler for the given server. Both
// fixed-window limiters count in the supplied store; pass a shared
// (Valkey) store to enforce common windows across instances, or an
// in-process counter store for a single instance.
func NewHandler(server *Server, counters storage.RateLimitStore) *Handler {
	cfg := server.Config()
	return &Handler{
		server:       server,
		authLimiter:  security.NewRateLimiter(counters, cfg.RateLimit.AuthMax, cfg.RateLimit.Window, cfg.Logger),
		proxyLimiter: security.NewRateLimiter(counters, cfg.RateLimit.ProxyMax, cfg.RateLimit.Window, cfg.Logger),
		logger:       cfg.Logger,
	}
}

// SetPinger attaches a store health probe for the /healthz endpoint.
func (h *Handler) SetPinger(p storage.Pinger) {
	h.pinger = p
}

// SetInstrumentation attaches metrics recording to the handler and the
// server beneath it.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instr = inst
	h.server.SetInstrumentation(inst)
}

// Routes returns the fully wired HTTP handler: request-ID propagation,
// panic recovery and security headers around the route mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/server-token", h.ServeSessionToken)
	mux.HandleFunc("/api/proxy", h.ServeProxy)
	mux.HandleFunc("/healthz", h.ServeHealth)

	var handler http.Handler = mux
	handler = h.securityHeadersMiddleware(handler)
	handler = h.metricsMiddleware(handler)
	handler = h.recoverMiddleware(handler)
	handler = security.RequestIDMiddleware(handler)
	return handler
}

// ServeSessionToken handles POST /api/server-token: the session
// issuance endpoint. Gate order is rate limit, then IP whitelist, then
// Origin; the cookie is only set after the nonce is durably stored.
func (h *Handler) ServeSessionToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	cfg := h.server.Config()
	ip := security.GetClientIP(r, cfg.Security.TrustProxy, cfg.Security.TrustedProxyCount)
	userAgent := r.Header.Get("User-Agent")

	if !h.allow(ctx, w, h.authLimiter, security.AuthLimitKey(ip, userAgent), ip, "server-token") {
		return
	}

	issued, perr := h.server.IssueSession(ctx, ip, userAgent, r.Header.Get("Origin"))
	if perr != nil {
		h.writeError(w, perr)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Session.CookieName,
		Value:    issued.SignedValue,
		Path:     "/",
		MaxAge:   int(issued.TTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Security.Production,
		SameSite: http.SameSiteStrictMode,
	})

	h.writeJSON(w, http.StatusOK, SessionResponse{
		Success:   true,
		ExpiresIn: int64(issued.TTL.Seconds()),
	})
}

// ServeProxy handles POST /api/proxy: verify the session binding, then
// relay the requested backend call. OPTIONS preflights are answered for
// the trusted frontend origin only.
func (h *Handler) ServeProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	cfg := h.server.Config()
	h.setCORSHeaders(w, r)

	ip := security.GetClientIP(r, cfg.Security.TrustProxy, cfg.Security.TrustedProxyCount)
	if !h.allow(ctx, w, h.proxyLimiter, security.ProxyLimitKey(ip), ip, "proxy") {
		return
	}

	nonce, perr := h.sessionNonce(r)
	if perr != nil {
		h.writeError(w, perr)
		return
	}

	if perr := h.server.VerifySession(ctx, nonce, ip, r.Header.Get("User-Agent"), r.Header.Get("Origin")); perr != nil {
		h.writeError(w, perr)
		return
	}

	var req ProxyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewProxyError("Invalid request body", http.StatusBadRequest))
		return
	}

	result, perr := h.server.Forward(ctx, &req, r.Header.Get("Authorization"))
	if perr != nil {
		h.writeError(w, perr)
		return
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(result.Status)
	w.Write(result.Body)
}

// ServeHealth handles GET /healthz. When a store probe is attached the
// endpoint reports 503 if the store is unreachable, so load balancers
// can drain an instance whose sessions cannot be verified.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// allow counts the request against the limiter and writes the 429
// response itself on rejection. A counter-store failure is fail-closed:
// the limiters guard credential minting and backend access, so an
// unreachable store must not widen them.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, limiter *security.RateLimiter, key, ip, endpoint string) bool {
	res, err := limiter.Check(ctx, key)
	if err != nil {
		h.logger.Error("Rate limit check failed", "endpoint", endpoint, "error", err)
		h.writeError(w, ErrInternal())
		return false
	}
	if res.Allowed {
		return true
	}

	h.server.auditor.LogRateLimitExceeded(ip, endpoint)
	if h.instr != nil {
		h.instr.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}

	w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfter(time.Now()), 10))
	h.writeError(w, ErrRateLimited())
	return false
}

// sessionNonce extracts and authenticates the session cookie. A missing
// cookie and a cookie with a bad signature both read as "no session";
// signature failures never reach the nonce store.
func (h *Handler) sessionNonce(r *http.Request) (string, *ProxyError) {
	cookie, err := r.Cookie(h.server.Config().Session.CookieName)
	if err != nil {
		return "", ErrMissingSession()
	}

	nonce, ok := h.server.Signer().Verify(cookie.Value)
	if !ok {
		return "", ErrMissingSession()
	}
	return nonce, nil
}

// servePreflight answers CORS preflight requests for the trusted
// frontend origin. Untrusted origins get a bare 204 with no CORS
// headers, which the browser treats as a denial.
func (h *Handler) servePreflight(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	if r.Header.Get("Origin") == h.server.Config().CORS.FrontendOrigin {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.server.Config().CORS.MaxAge))
	}
	w.WriteHeader(http.StatusNoContent)
}

// setCORSHeaders reflects the trusted frontend origin only. The cookie
// flow requires credentials, so the origin is always exact, never "*".
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Vary", "Origin")
	origin := r.Header.Get("Origin")
	if origin != "" && origin == h.server.Config().CORS.FrontendOrigin {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

// writeError writes the uniform JSON error body for a ProxyError.
func (h *Handler) writeError(w http.ResponseWriter, perr *ProxyError) {
	h.writeJSON(w, perr.Status, ErrorResponse{Message: perr.Message})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	h.writeError(w, NewProxyError("Method not allowed", http.StatusMethodNotAllowed))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// securityHeadersMiddleware applies the baseline security headers to
// every response, including errors.
func (h *Handler) securityHeadersMiddleware(next http.Handler) http.Handler {
	production := h.server.Config().Security.Production
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, production)
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts handler panics into opaque 500 responses.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("Handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", security.GetRequestID(r.Context()))
				h.writeError(w, ErrInternal())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request count and duration per endpoint.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.instr == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		h.instr.Metrics().RecordHTTPRequest(r.Context(),
			r.Method,
			r.URL.Path,
			sw.status,
			float64(time.Since(start).Milliseconds()))
	})
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
