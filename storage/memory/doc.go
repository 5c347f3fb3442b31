// Package memory provides an in-memory storage backend for the auth proxy.
//
// Sessions, the cached client token, and rate-limit windows are held in
// mutex-guarded maps with expiry checked on read and a background sweep
// reclaiming dead entries. State is process-local: in multi-instance
// deployments each instance sees its own sessions and windows, so use
// the valkey backend there instead.
package memory
