package authproxy

import "encoding/json"

// Auth types accepted by the proxy endpoint.
const (
	// AuthTypeClient resolves a cached client-credentials bearer token,
	// fetching one from the backend's token endpoint on cache miss.
	AuthTypeClient = "client"

	// AuthTypeAuth passes the caller's own bearer token through verbatim.
	// The backend API is responsible for validating it.
	AuthTypeAuth = "auth"
)

// ProxyRequest is the JSON body accepted by POST /api/proxy.
type ProxyRequest struct {
	// Path is the backend endpoint to call, relative to the API base URL (required)
	Path string `json:"path"`

	// AuthType selects the bearer token source: "client" or "auth"
	AuthType string `json:"authType"`

	// Method is the HTTP method for the downstream call (default "GET")
	Method string `json:"method"`

	// Data is the JSON body forwarded downstream (default empty object)
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	// Message is a short human-readable description
	Message string `json:"message"`
}

// SessionResponse is the success body of POST /api/server-token.
type SessionResponse struct {
	// Success is always true on a 200 response
	Success bool `json:"success"`

	// ExpiresIn is the session lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	// Status is "ok" when the nonce store is reachable
	Status string `json:"status"`
}
