package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User IDs
// are hashed before logging; token material never reaches the auditor.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type         string
	UserID       string
	TenantID     string
	Provider     string
	ConnectionID string
	IPAddress    string
	Details      map[string]any
	Timestamp    time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"tenant_id", event.TenantID,
		"provider", event.Provider,
		"connection_id", event.ConnectionID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogFlowStarted logs the start of an authorization flow.
func (a *Auditor) LogFlowStarted(userID, tenantID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "authorization_flow_started",
		UserID:    userID,
		TenantID:  tenantID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogConnectionEstablished logs a completed authorization.
func (a *Auditor) LogConnectionEstablished(userID, tenantID, provider, connectionID string, reauthorized bool) {
	a.LogEvent(Event{
		Type:         "connection_established",
		UserID:       userID,
		TenantID:     tenantID,
		Provider:     provider,
		ConnectionID: connectionID,
		Details: map[string]any{
			"reauthorized": reauthorized,
		},
	})
}

// LogStateRejected logs a callback with an unknown, expired, or replayed
// state value. Replays are a CSRF/forgery indicator.
func (a *Auditor) LogStateRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "authorization_state_rejected",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs a refresh outcome for a connection.
func (a *Auditor) LogTokenRefreshed(connectionID, provider string, rotated bool) {
	a.LogEvent(Event{
		Type:         "token_refreshed",
		Provider:     provider,
		ConnectionID: connectionID,
		Details: map[string]any{
			"refresh_token_rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a failed refresh and whether the grant was revoked.
func (a *Auditor) LogRefreshFailed(connectionID, provider, reason string, grantRevoked bool) {
	a.LogEvent(Event{
		Type:         "token_refresh_failed",
		Provider:     provider,
		ConnectionID: connectionID,
		Details: map[string]any{
			"reason":        reason,
			"grant_revoked": grantRevoked,
		},
	})
}

// LogConnectionRevoked logs a revocation.
func (a *Auditor) LogConnectionRevoked(connectionID, provider, revokedBy, reason string) {
	a.LogEvent(Event{
		Type:         "connection_revoked",
		Provider:     provider,
		ConnectionID: connectionID,
		Details: map[string]any{
			"revoked_by": revokedBy,
			"reason":     reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogInternalAuthFailure logs a failed internal API authentication.
func (a *Auditor) LogInternalAuthFailure(ipAddress string) {
	a.LogEvent(Event{
		Type:      "internal_auth_failure",
		IPAddress: ipAddress,
	})
}

// hashForLogging produces a short SHA-256 digest so identifiers can be
// correlated across log lines without exposing the raw value.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
