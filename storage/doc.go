// Package storage provides the persistence contracts for the auth proxy:
// nonce-backed session records with TTL, the single cached
// client-credentials token, and fixed-window rate-limit counters.
//
// Two implementations ship with the proxy:
//
//   - storage/memory: mutex-guarded maps with a background sweep,
//     suitable for development, testing, and single-instance deployments.
//   - storage/valkey: a Valkey-backed store using atomic per-key TTL
//     operations (SET ... EX, INCR + EXPIRE), suitable for
//     multi-instance deployments where sessions and rate-limit windows
//     must be shared.
package storage
