// Package security provides the security building blocks of the auth
// proxy: fixed-window rate limiting, signed session cookies, client IP
// extraction and whitelisting, response security headers, request IDs,
// and audit logging with hashed PII.
package security
