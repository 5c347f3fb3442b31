// Package valkey provides a Valkey storage backend for the auth proxy.
//
// Valkey is a high-performance key-value store that is wire-compatible
// with Redis. This backend is suited to multi-instance deployments:
// session nonces, the cached client token, and rate-limit windows all
// live in the shared store, so every proxy instance sees the same
// session state and enforces the same fixed windows.
//
// # Key Schema
//
// All keys use a configurable prefix (default "authproxy:") to avoid
// conflicts with other applications sharing the same Valkey instance:
//
//	{prefix}session:{nonce}    -> JSON(SessionRecord), TTL = session TTL
//	{prefix}client_token       -> access token string, TTL = expires_in
//	{prefix}ratelimit:{key}    -> counter, TTL = window length
//
// # Atomicity
//
// Session writes use a single SET with EX so a nonce can never exist
// without an expiry. Rate-limit counters rely on INCR being atomic; the
// first increment of a window attaches the expiry that defines the
// window boundary.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
