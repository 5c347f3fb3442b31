// Package instrumentation provides OpenTelemetry metrics and tracing for
// the auth proxy. When disabled it installs no-op providers, so callers
// can record unconditionally with zero overhead.
package instrumentation
