package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User-Agent strings and nonces are hashed before logging; bearer
// tokens and secrets are never logged at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Nonce     string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"nonce_hash", hashForLogging(event.Nonce),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogSessionIssued logs a successful session issuance
func (a *Auditor) LogSessionIssued(nonce, ipAddress string, ttl time.Duration) {
	a.LogEvent(Event{
		Type:      "session_issued",
		Nonce:     nonce,
		IPAddress: ipAddress,
		Details: map[string]any{
			"ttl_seconds": int64(ttl.Seconds()),
		},
	})
}

// LogSessionViolation logs a verification failure that destroyed a nonce.
// A single mismatch burns the credential, so every violation is terminal
// for the session it names.
func (a *Auditor) LogSessionViolation(nonce, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "session_violation",
		Nonce:     nonce,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogIssuanceDenied logs a rejected issuance attempt (whitelist or origin)
func (a *Auditor) LogIssuanceDenied(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "issuance_denied",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientTokenGrant logs an outbound client-credentials grant
func (a *Auditor) LogClientTokenGrant(expiresIn time.Duration) {
	a.LogEvent(Event{
		Type: "client_token_granted",
		Details: map[string]any{
			"expires_in_seconds": int64(expiresIn.Seconds()),
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
