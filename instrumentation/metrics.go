package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the auth proxy
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Session lifecycle
	SessionsIssued    metric.Int64Counter
	SessionsRejected  metric.Int64Counter
	SessionViolations metric.Int64Counter

	// Token broker
	TokenCacheHits   metric.Int64Counter
	TokenCacheMisses metric.Int64Counter
	TokenGrants      metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Proxy
	ProxyRequestsTotal metric.Int64Counter
	UpstreamErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	sessionMeter := inst.Meter("session")
	brokerMeter := inst.Meter("broker")
	securityMeter := inst.Meter("security")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"authproxy.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"authproxy.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.SessionsIssued, err = sessionMeter.Int64Counter(
		"authproxy.sessions.issued",
		metric.WithDescription("Number of session nonces issued"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.issued counter: %w", err)
	}

	m.SessionsRejected, err = sessionMeter.Int64Counter(
		"authproxy.sessions.rejected",
		metric.WithDescription("Number of issuance requests rejected, by reason"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.rejected counter: %w", err)
	}

	m.SessionViolations, err = sessionMeter.Int64Counter(
		"authproxy.sessions.violations",
		metric.WithDescription("Number of session verification failures that destroyed a nonce, by reason"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.violations counter: %w", err)
	}

	m.TokenCacheHits, err = brokerMeter.Int64Counter(
		"authproxy.token.cache.hits",
		metric.WithDescription("Client token cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.cache.hits counter: %w", err)
	}

	m.TokenCacheMisses, err = brokerMeter.Int64Counter(
		"authproxy.token.cache.misses",
		metric.WithDescription("Client token cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.cache.misses counter: %w", err)
	}

	m.TokenGrants, err = brokerMeter.Int64Counter(
		"authproxy.token.grants",
		metric.WithDescription("Outbound client-credentials grant requests"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.grants counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"authproxy.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.ProxyRequestsTotal, err = httpMeter.Int64Counter(
		"authproxy.proxy.requests.total",
		metric.WithDescription("Proxied downstream requests, by status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy.requests.total counter: %w", err)
	}

	m.UpstreamErrors, err = httpMeter.Int64Counter(
		"authproxy.upstream.errors",
		metric.WithDescription("Downstream transport failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.errors counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordSessionIssued records a successful session issuance
func (m *Metrics) RecordSessionIssued(ctx context.Context) {
	m.SessionsIssued.Add(ctx, 1)
}

// RecordSessionRejected records a rejected issuance attempt
func (m *Metrics) RecordSessionRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionViolation records a verification failure that burned a nonce
func (m *Metrics) RecordSessionViolation(ctx context.Context, reason string) {
	m.SessionViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokenCacheHit records a client token cache hit
func (m *Metrics) RecordTokenCacheHit(ctx context.Context) {
	m.TokenCacheHits.Add(ctx, 1)
}

// RecordTokenCacheMiss records a client token cache miss
func (m *Metrics) RecordTokenCacheMiss(ctx context.Context) {
	m.TokenCacheMisses.Add(ctx, 1)
}

// RecordTokenGrant records an outbound client-credentials grant
func (m *Metrics) RecordTokenGrant(ctx context.Context, success bool) {
	m.TokenGrants.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordProxyRequest records a proxied downstream request
func (m *Metrics) RecordProxyRequest(ctx context.Context, status int) {
	m.ProxyRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status", status)))
}

// RecordUpstreamError records a downstream transport failure
func (m *Metrics) RecordUpstreamError(ctx context.Context) {
	m.UpstreamErrors.Add(ctx, 1)
}
