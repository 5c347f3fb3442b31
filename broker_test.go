package authproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/storegate/authproxy/internal/testutil"
	"github.com/storegate/authproxy/storage/memory"
)

func newTestBroker(t *testing.T) (*TokenBroker, *testutil.StubBackend) {
	t.Helper()

	backend := testutil.NewStubBackend()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	cfg := validConfig()
	cfg.Backend.APIURL = ts.URL

	store := memory.New()
	t.Cleanup(store.Close)

	server, err := NewServer(cfg, store, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server.Broker(), backend
}

func TestResolveClientTokenCaching(t *testing.T) {
	broker, backend := newTestBroker(t)
	ctx := context.Background()

	first, perr := broker.ResolveToken(ctx, AuthTypeClient, "")
	if perr != nil {
		t.Fatalf("first resolve failed: %v", perr)
	}
	second, perr := broker.ResolveToken(ctx, AuthTypeClient, "")
	if perr != nil {
		t.Fatalf("second resolve failed: %v", perr)
	}

	// Two resolutions within the token's lifetime reuse one grant.
	if backend.Tokens.Grants() != 1 {
		t.Errorf("expected exactly 1 grant, got %d", backend.Tokens.Grants())
	}
	if first != second {
		t.Errorf("expected cached token, got %q then %q", first, second)
	}
	if !strings.HasPrefix(first, "test-client-token-") {
		t.Errorf("unexpected token %q", first)
	}
}

func TestResolveClientTokenConcurrentMisses(t *testing.T) {
	broker, backend := newTestBroker(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, perr := broker.ResolveToken(context.Background(), AuthTypeClient, ""); perr != nil {
				t.Errorf("resolve failed: %v", perr)
			}
		}()
	}
	wg.Wait()

	// Concurrent misses collapse into a single outbound grant.
	if backend.Tokens.Grants() != 1 {
		t.Errorf("expected 1 grant for concurrent misses, got %d", backend.Tokens.Grants())
	}
}

func TestResolveAuthPassthrough(t *testing.T) {
	broker, backend := newTestBroker(t)
	ctx := context.Background()

	token, perr := broker.ResolveToken(ctx, AuthTypeAuth, "Bearer user-token-xyz")
	if perr != nil {
		t.Fatalf("resolve failed: %v", perr)
	}
	if token != "user-token-xyz" {
		t.Errorf("expected verbatim passthrough, got %q", token)
	}

	// Passthrough never touches the token endpoint.
	if backend.Tokens.Grants() != 0 {
		t.Errorf("unexpected grant for auth passthrough: %d", backend.Tokens.Grants())
	}
}

func TestResolveAuthMalformedHeader(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no scheme", "user-token-xyz"},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"bearer without token", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := broker.ResolveToken(ctx, AuthTypeAuth, tt.header)
			if perr == nil {
				t.Fatal("expected error for malformed header")
			}
			if perr.Status != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", perr.Status)
			}
		})
	}
}

func TestResolveAuthCaseInsensitiveScheme(t *testing.T) {
	broker, _ := newTestBroker(t)

	token, perr := broker.ResolveToken(context.Background(), AuthTypeAuth, "bearer lower-scheme")
	if perr != nil {
		t.Fatalf("resolve failed: %v", perr)
	}
	if token != "lower-scheme" {
		t.Errorf("expected %q, got %q", "lower-scheme", token)
	}
}

func TestResolveInvalidAuthType(t *testing.T) {
	broker, _ := newTestBroker(t)

	for _, authType := range []string{"", "basic", "CLIENT", "session"} {
		_, perr := broker.ResolveToken(context.Background(), authType, "")
		if perr == nil {
			t.Fatalf("expected error for auth type %q", authType)
		}
		if perr.Status != http.StatusBadRequest {
			t.Errorf("auth type %q: expected 400, got %d", authType, perr.Status)
		}
		if perr.Message != "Invalid auth type" {
			t.Errorf("auth type %q: unexpected message %q", authType, perr.Message)
		}
	}
}

func TestResolveClientTokenGrantFailure(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.APIURL = "http://127.0.0.1:1" // nothing listens here

	store := memory.New()
	t.Cleanup(store.Close)

	server, err := NewServer(cfg, store, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	_, perr := server.Broker().ResolveToken(context.Background(), AuthTypeClient, "")
	if perr == nil {
		t.Fatal("expected error when the token endpoint is unreachable")
	}
	if perr.Status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", perr.Status)
	}
}
