package authproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storegate/authproxy/internal/testutil"
	"github.com/storegate/authproxy/storage"
	"github.com/storegate/authproxy/storage/memory"
)

const (
	testIP        = "203.0.113.7"
	testUserAgent = "Mozilla/5.0 (test)"
	testOrigin    = "https://shop.example.com"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store, *testutil.StubBackend) {
	t.Helper()

	backend := testutil.NewStubBackend()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	cfg := validConfig()
	cfg.Backend.APIURL = ts.URL
	cfg.Security.IPWhitelist = []string{testIP}
	cfg.CORS.FrontendOrigin = testOrigin
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New()
	t.Cleanup(store.Close)

	server, err := NewServer(cfg, store, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, store, backend
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	store := memory.New()
	defer store.Close()

	if _, err := NewServer(nil, store, store); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&Config{}, store, store); err == nil {
		t.Error("expected error for empty config")
	}

	cfg := validConfig()
	if _, err := NewServer(cfg, nil, store); err == nil {
		t.Error("expected error for nil nonce store")
	}
	cfg = validConfig()
	if _, err := NewServer(cfg, store, nil); err == nil {
		t.Error("expected error for nil token cache")
	}
}

func TestIssueSession(t *testing.T) {
	server, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	issued, perr := server.IssueSession(ctx, testIP, testUserAgent, testOrigin)
	if perr != nil {
		t.Fatalf("IssueSession failed: %v", perr)
	}

	if len(issued.Nonce) != 32 {
		t.Errorf("expected 32-character nonce, got %d", len(issued.Nonce))
	}
	if issued.TTL != DefaultSessionTTL {
		t.Errorf("expected TTL %v, got %v", DefaultSessionTTL, issued.TTL)
	}

	// The signed value authenticates back to the raw nonce.
	nonce, ok := server.Signer().Verify(issued.SignedValue)
	if !ok || nonce != issued.Nonce {
		t.Error("signed cookie value does not verify to the issued nonce")
	}

	// The binding is durably stored before any cookie material exists.
	record, err := store.GetSession(ctx, issued.Nonce)
	if err != nil {
		t.Fatalf("nonce not stored: %v", err)
	}
	if record.IP != testIP || record.UserAgent != testUserAgent {
		t.Errorf("stored binding mismatch: %+v", record)
	}
}

func TestIssueSessionUnwhitelistedIP(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	issued, perr := server.IssueSession(context.Background(), "198.51.100.99", testUserAgent, testOrigin)
	if perr == nil {
		t.Fatal("expected rejection for unwhitelisted IP")
	}
	if perr.Status != http.StatusForbidden {
		t.Errorf("expected 403, got %d", perr.Status)
	}
	if issued != nil {
		t.Error("no session material may exist after rejection")
	}
}

func TestIssueSessionUntrustedOrigin(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	tests := []string{"", "https://evil.example.com", "http://shop.example.com"}
	for _, origin := range tests {
		_, perr := server.IssueSession(context.Background(), testIP, testUserAgent, origin)
		if perr == nil {
			t.Errorf("origin %q: expected rejection", origin)
			continue
		}
		if perr.Status != http.StatusForbidden {
			t.Errorf("origin %q: expected 403, got %d", origin, perr.Status)
		}
	}
}

func TestVerifySession(t *testing.T) {
	server, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	issued, perr := server.IssueSession(ctx, testIP, testUserAgent, testOrigin)
	if perr != nil {
		t.Fatalf("IssueSession failed: %v", perr)
	}

	if perr := server.VerifySession(ctx, issued.Nonce, testIP, testUserAgent, testOrigin); perr != nil {
		t.Fatalf("verification of matching identity failed: %v", perr)
	}

	// Verification is repeatable while the binding matches.
	if perr := server.VerifySession(ctx, issued.Nonce, testIP, testUserAgent, testOrigin); perr != nil {
		t.Fatalf("second verification failed: %v", perr)
	}

	if _, err := store.GetSession(ctx, issued.Nonce); err != nil {
		t.Error("matching verification must not consume the nonce")
	}
}

func TestVerifySessionUnknownNonce(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	perr := server.VerifySession(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef", testIP, testUserAgent, testOrigin)
	if perr == nil {
		t.Fatal("expected rejection for unknown nonce")
	}
	if perr.Status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", perr.Status)
	}
}

func TestVerifySessionMismatchBurnsNonce(t *testing.T) {
	tests := []struct {
		name      string
		ip        string
		userAgent string
		origin    string
	}{
		{"ip mismatch", "198.51.100.99", testUserAgent, testOrigin},
		{"user agent mismatch", testIP, "curl/8.0", testOrigin},
		{"origin mismatch", testIP, testUserAgent, "https://evil.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, store, _ := newTestServer(t, nil)
			ctx := context.Background()

			issued, perr := server.IssueSession(ctx, testIP, testUserAgent, testOrigin)
			if perr != nil {
				t.Fatalf("IssueSession failed: %v", perr)
			}

			perr = server.VerifySession(ctx, issued.Nonce, tt.ip, tt.userAgent, tt.origin)
			if perr == nil {
				t.Fatal("expected rejection for mismatched identity")
			}
			if perr.Status != http.StatusForbidden {
				t.Errorf("expected 403, got %d", perr.Status)
			}

			// The nonce is destroyed: even the original holder is locked out.
			if _, err := store.GetSession(ctx, issued.Nonce); err != storage.ErrSessionNotFound {
				t.Error("violated nonce must be destroyed")
			}
			perr = server.VerifySession(ctx, issued.Nonce, testIP, testUserAgent, testOrigin)
			if perr == nil || perr.Status != http.StatusUnauthorized {
				t.Error("burned nonce must read as unknown afterwards")
			}
		})
	}
}

func TestForward(t *testing.T) {
	server, _, backend := newTestServer(t, nil)
	ctx := context.Background()

	result, perr := server.Forward(ctx, &ProxyRequest{
		Path:     "/api/products",
		AuthType: AuthTypeClient,
		Method:   "get",
	}, "")
	if perr != nil {
		t.Fatalf("Forward failed: %v", perr)
	}
	if result.Status != http.StatusOK {
		t.Errorf("expected 200, got %d", result.Status)
	}

	var echo struct {
		Method        string `json:"method"`
		Path          string `json:"path"`
		Authorization string `json:"authorization"`
		Accept        string `json:"accept"`
	}
	if err := json.Unmarshal(result.Body, &echo); err != nil {
		t.Fatalf("failed to decode echo: %v", err)
	}
	if echo.Method != http.MethodGet {
		t.Errorf("expected method GET (defaulted and upcased), got %q", echo.Method)
	}
	if echo.Path != "/api/products" {
		t.Errorf("expected path relayed, got %q", echo.Path)
	}
	if echo.Accept != "application/json" {
		t.Errorf("expected Accept application/json, got %q", echo.Accept)
	}
	if echo.Authorization == "" || echo.Authorization == "Bearer " {
		t.Errorf("expected brokered bearer token, got %q", echo.Authorization)
	}
	if backend.Requests() != 1 {
		t.Errorf("expected 1 downstream request, got %d", backend.Requests())
	}
}

func TestForwardMissingPath(t *testing.T) {
	server, _, backend := newTestServer(t, nil)

	_, perr := server.Forward(context.Background(), &ProxyRequest{AuthType: AuthTypeClient}, "")
	if perr == nil {
		t.Fatal("expected rejection for missing path")
	}
	if perr.Status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", perr.Status)
	}
	if perr.Message != "Missing Endpoint URL" {
		t.Errorf("unexpected message %q", perr.Message)
	}
	if backend.Requests() != 0 {
		t.Error("nothing may reach the backend without a path")
	}
}

func TestForwardRelaysDownstreamErrors(t *testing.T) {
	server, _, backend := newTestServer(t, nil)
	backend.Status = http.StatusNotFound

	result, perr := server.Forward(context.Background(), &ProxyRequest{
		Path:     "/api/missing",
		AuthType: AuthTypeClient,
	}, "")
	if perr != nil {
		t.Fatalf("downstream 4xx must be relayed, not replaced: %v", perr)
	}
	if result.Status != http.StatusNotFound {
		t.Errorf("expected relayed 404, got %d", result.Status)
	}
}

func TestForwardTransportFailure(t *testing.T) {
	server, _, _ := newTestServer(t, nil)
	server.apiBase = "http://127.0.0.1:1"

	_, perr := server.Forward(context.Background(), &ProxyRequest{
		Path:     "/api/products",
		AuthType: AuthTypeAuth,
	}, "Bearer user-token")
	if perr == nil {
		t.Fatal("expected error for unreachable backend")
	}
	if perr.Message != "Endpoint request failed" {
		t.Errorf("unexpected message %q", perr.Message)
	}
}

func TestForwardPathAllowList(t *testing.T) {
	server, _, backend := newTestServer(t, func(cfg *Config) {
		cfg.Backend.AllowedPathPrefixes = []string{"/api/public/"}
	})
	ctx := context.Background()

	if _, perr := server.Forward(ctx, &ProxyRequest{Path: "/api/public/products", AuthType: AuthTypeClient}, ""); perr != nil {
		t.Fatalf("allowed path rejected: %v", perr)
	}

	_, perr := server.Forward(ctx, &ProxyRequest{Path: "/api/admin/users", AuthType: AuthTypeClient}, "")
	if perr == nil {
		t.Fatal("expected rejection for disallowed path")
	}
	if perr.Status != http.StatusForbidden {
		t.Errorf("expected 403, got %d", perr.Status)
	}
	if backend.Requests() != 1 {
		t.Errorf("expected only the allowed request downstream, got %d", backend.Requests())
	}
}
