// Package storage defines the persistence contracts for OAuth connections,
// ephemeral authorization state, and the decrypted-token cache. It supports
// various backend implementations including in-memory, SQLite, and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrConnectionNotFound indicates no connection matched the lookup.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionExists indicates a create collided with an existing
	// connection for the same identity tuple.
	ErrConnectionExists = errors.New("connection already exists for identity")

	// ErrVersionConflict indicates a conditional update lost the race:
	// the stored version no longer matches what the writer read.
	ErrVersionConflict = errors.New("connection version conflict")

	// ErrStateNotFound indicates the authorization state is absent,
	// expired, or was already consumed.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrCacheMiss indicates no cached token exists for the connection.
	ErrCacheMiss = errors.New("token cache miss")
)

// ConnectionStatus is the lifecycle state of a stored connection.
type ConnectionStatus string

const (
	// StatusActive means the connection holds a usable (or refreshable) token.
	StatusActive ConnectionStatus = "active"

	// StatusExpired means the token lapsed and no refresh token can revive it.
	// Re-authorization transitions the connection back to active.
	StatusExpired ConnectionStatus = "expired"

	// StatusError means a refresh failed with a non-retryable provider error
	// (e.g. the user revoked the grant at the provider).
	StatusError ConnectionStatus = "error"

	// StatusRevoked is terminal. The record is kept for audit.
	StatusRevoked ConnectionStatus = "revoked"
)

// HealthStatus is the outcome of the most recent liveness probe.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = ""
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Identity is the tuple that identifies at most one connection.
// WorkspaceID is empty for providers without workspaces; the empty
// string is a distinct value, not a wildcard.
type Identity struct {
	UserID      string
	TenantID    string
	Provider    string
	WorkspaceID string
}

// Connection is the stored record of a completed OAuth grant.
// Token fields hold ciphertext produced by the crypto envelope and are
// never persisted or logged in plaintext.
type Connection struct {
	ID       string
	UserID   string
	TenantID string
	Provider string

	ProviderUserID      string
	ProviderWorkspaceID string
	Email               string

	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenType             string
	Scopes                []string
	ExpiresAt             time.Time

	Status ConnectionStatus

	// Version increments on every write and guards conditional updates.
	Version int64

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRefreshedAt time.Time

	LastHealthCheckAt time.Time
	HealthCheckStatus HealthStatus
	HealthCheckError  string

	RevokedAt     time.Time
	RevokedBy     string
	RevokedReason string
}

// Identity returns the connection's identity tuple.
func (c *Connection) Identity() Identity {
	return Identity{
		UserID:      c.UserID,
		TenantID:    c.TenantID,
		Provider:    c.Provider,
		WorkspaceID: c.ProviderWorkspaceID,
	}
}

// HasRefreshToken reports whether a refresh token is stored.
func (c *Connection) HasRefreshToken() bool {
	return c.EncryptedRefreshToken != ""
}

// Terminal reports whether no further status transitions are allowed.
func (c *Connection) Terminal() bool {
	return c.Status == StatusRevoked
}

// Clone returns a deep copy. Stores return clones so callers can mutate
// freely before a conditional update.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Scopes != nil {
		cp.Scopes = append([]string(nil), c.Scopes...)
	}
	return &cp
}

// AuthorizationState is the ephemeral CSRF state persisted between the
// authorize redirect and its callback. Single use: ConsumeState removes
// it atomically on first read.
type AuthorizationState struct {
	State       string
	UserID      string
	TenantID    string
	Provider    string
	RedirectURI string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// CachedToken holds a decrypted access token for read-through caching.
// Its TTL bounds the plaintext-in-cache exposure window.
type CachedToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Stats summarizes stored connections for the admin surface.
type Stats struct {
	Total      int
	ByStatus   map[ConnectionStatus]int
	ByProvider map[string]int
}

// ConnectionStore is the durable repository for Connection records.
// Writers use per-record conditional updates, never global locks held
// across provider I/O.
type ConnectionStore interface {
	// CreateConnection persists a new connection. The caller assigns the ID.
	// Returns ErrConnectionExists if a connection for the same identity
	// tuple is already stored.
	CreateConnection(ctx context.Context, conn *Connection) error

	// GetConnection retrieves a connection by ID.
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// FindByIdentity retrieves the connection for an identity tuple.
	FindByIdentity(ctx context.Context, id Identity) (*Connection, error)

	// UpdateConnection persists conn only if the stored version equals
	// expectedVersion, then increments the version. Returns
	// ErrVersionConflict when another writer got there first.
	UpdateConnection(ctx context.Context, conn *Connection, expectedVersion int64) error

	// ListByOwner lists all connections for a user within a tenant.
	ListByOwner(ctx context.Context, userID, tenantID string) ([]*Connection, error)

	// ListActive lists all active connections.
	ListActive(ctx context.Context) ([]*Connection, error)

	// ListExpiring lists active connections holding a refresh token whose
	// token expires before the cutoff. Used by the refresh scheduler.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*Connection, error)

	// Stats returns aggregate counts by status and provider.
	Stats(ctx context.Context) (*Stats, error)
}

// StateStore persists single-use authorization state with a TTL.
type StateStore interface {
	// SaveState stores the authorization state until its ExpiresAt.
	SaveState(ctx context.Context, state *AuthorizationState) error

	// ConsumeState atomically reads and deletes the state. A second
	// concurrent consume of the same value must fail with
	// ErrStateNotFound: this is what makes callback replay impossible.
	ConsumeState(ctx context.Context, state string) (*AuthorizationState, error)
}

// TokenCache is the short-TTL cache of decrypted access tokens, keyed by
// connection ID. Losing its contents only costs a re-decryption.
type TokenCache interface {
	// PutToken caches the token for at most ttl.
	PutToken(ctx context.Context, connectionID string, token *CachedToken, ttl time.Duration) error

	// GetToken returns the cached token or ErrCacheMiss.
	GetToken(ctx context.Context, connectionID string) (*CachedToken, error)

	// InvalidateToken drops the cached token, if any.
	InvalidateToken(ctx context.Context, connectionID string) error
}
