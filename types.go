package oauth

import (
	"time"

	"github.com/relayforge/oauth-connect/storage"
)

// BeginAuthorizationRequest starts an authorization flow for a caller.
// UserID and TenantID come from the gateway-authenticated session, never
// from the request body.
type BeginAuthorizationRequest struct {
	UserID   string
	TenantID string
	Provider string

	// Scopes overrides the provider's default scope set when non-empty.
	Scopes []string

	// LoginHint pre-fills the provider's account chooser when supported.
	LoginHint string
}

// BeginAuthorizationResponse is returned from the authorize endpoint.
type BeginAuthorizationResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// TokenRequest asks for a valid access token, either by connection ID or
// by identity tuple. ConnectionID wins when both are set.
type TokenRequest struct {
	ConnectionID string `json:"connection_id,omitempty"`

	UserID      string `json:"user_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	Provider    string `json:"provider,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// AccessTokenResult is a usable access token plus metadata. This is the
// only surface that ever carries a plaintext token, and only to
// authenticated internal callers.
type AccessTokenResult struct {
	ConnectionID string    `json:"connection_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`

	// Source reports where the token came from: "cache", "store", or
	// "refresh".
	Source string `json:"source"`
}

// ConnectionSummary is the token-free view of a connection returned by
// the list and admin endpoints.
type ConnectionSummary struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Status      string   `json:"status"`
	Scopes      []string `json:"scopes,omitempty"`

	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`

	HealthStatus      string     `json:"health_status,omitempty"`
	HealthCheckError  string     `json:"health_check_error,omitempty"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`

	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// HealthCheckResult is returned by the manual health-check endpoint.
type HealthCheckResult struct {
	ConnectionID string    `json:"connection_id"`
	Healthy      bool      `json:"healthy"`
	Reason       string    `json:"reason,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// StatsResponse summarizes stored connections for the admin surface.
type StatsResponse struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByProvider map[string]int `json:"by_provider"`
}

// ErrorResponse is the structured error body written by all endpoints.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// summarizeConnection converts a stored connection into its wire view.
func summarizeConnection(conn *storage.Connection) ConnectionSummary {
	s := ConnectionSummary{
		ID:          conn.ID,
		Provider:    conn.Provider,
		WorkspaceID: conn.ProviderWorkspaceID,
		Email:       conn.Email,
		Status:      string(conn.Status),
		Scopes:      conn.Scopes,
		ExpiresAt:   conn.ExpiresAt,
		CreatedAt:   conn.CreatedAt,
		UpdatedAt:   conn.UpdatedAt,

		HealthStatus:     string(conn.HealthCheckStatus),
		HealthCheckError: conn.HealthCheckError,

		RevokedBy:     conn.RevokedBy,
		RevokedReason: conn.RevokedReason,
	}
	if !conn.LastRefreshedAt.IsZero() {
		t := conn.LastRefreshedAt
		s.LastRefreshedAt = &t
	}
	if !conn.LastHealthCheckAt.IsZero() {
		t := conn.LastHealthCheckAt
		s.LastHealthCheckAt = &t
	}
	if !conn.RevokedAt.IsZero() {
		t := conn.RevokedAt
		s.RevokedAt = &t
	}
	return s
}

// statsResponse converts storage stats into the wire view.
func statsResponse(st *storage.Stats) StatsResponse {
	out := StatsResponse{
		Total:      st.Total,
		ByStatus:   make(map[string]int, len(st.ByStatus)),
		ByProvider: st.ByProvider,
	}
	for status, n := range st.ByStatus {
		out.ByStatus[string(status)] = n
	}
	return out
}
