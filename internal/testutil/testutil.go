// Package testutil provides testing utilities and helpers for the auth proxy.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storegate/authproxy/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateRandomString creates a random string of the given byte length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewTestSessionRecord creates a session record for the given identity
func NewTestSessionRecord(ip, userAgent string) *storage.SessionRecord {
	return &storage.SessionRecord{
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
}

// TokenEndpoint is a stub OAuth token endpoint that issues sequential
// client-credentials tokens and counts grant requests.
type TokenEndpoint struct {
	// ExpiresIn is the expires_in value reported to clients (seconds)
	ExpiresIn int

	grants atomic.Int64
}

// NewTokenEndpoint creates a token endpoint stub with a 1 hour expiry
func NewTokenEndpoint() *TokenEndpoint {
	return &TokenEndpoint{ExpiresIn: 3600}
}

// Grants returns the number of grant requests served
func (e *TokenEndpoint) Grants() int64 {
	return e.grants.Load()
}

// ServeHTTP implements http.Handler
func (e *TokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := e.grants.Add(1)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("test-client-token-%d", n),
		"token_type":   "Bearer",
		"expires_in":   e.ExpiresIn,
	})
}

// StubBackend is a test double for the downstream API. It serves the
// token endpoint at /oauth/token and echoes every other request's
// method, path and bearer token as JSON.
type StubBackend struct {
	// Tokens is the embedded token endpoint stub
	Tokens *TokenEndpoint

	// Status overrides the echo response status when non-zero
	Status int

	requests atomic.Int64
}

// NewStubBackend creates a new stub backend
func NewStubBackend() *StubBackend {
	return &StubBackend{Tokens: NewTokenEndpoint()}
}

// Requests returns the number of non-token requests served
func (b *StubBackend) Requests() int64 {
	return b.requests.Load()
}

// ServeHTTP implements http.Handler
func (b *StubBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		b.Tokens.ServeHTTP(w, r)
		return
	}

	b.requests.Add(1)
	status := b.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"method":        r.Method,
		"path":          r.URL.Path,
		"authorization": r.Header.Get("Authorization"),
		"accept":        r.Header.Get("Accept"),
	})
}

// AssertNoError fails the test if err is non-nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails the test if expected != actual
func AssertEqual[T comparable](t *testing.T, expected, actual T) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}
