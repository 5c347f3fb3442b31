package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if a == b {
		t.Error("request IDs must be unique")
	}
	if !requestIDPattern.MatchString(a) {
		t.Errorf("generated ID %q fails its own validation pattern", a)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		incoming  string
		preserved bool
	}{
		{"no incoming ID", "", false},
		{"valid incoming ID", "upstream-id-123", true},
		{"injection attempt", "bad\r\nSet-Cookie: x", false},
		{"oversized ID", strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("no request ID in context")
			}
			if tt.preserved && seen != tt.incoming {
				t.Errorf("expected upstream ID %q preserved, got %q", tt.incoming, seen)
			}
			if !tt.preserved && seen == tt.incoming {
				t.Error("invalid upstream ID was preserved")
			}
			if w.Header().Get(RequestIDHeader) != seen {
				t.Error("response header does not echo the request ID")
			}
		})
	}
}
