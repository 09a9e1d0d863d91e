// Package sqlite provides a durable SQLite-backed implementation of the
// connection repository. Conditional updates are expressed as
// UPDATE ... WHERE version = ? so concurrent refreshers can never both
// commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relayforge/oauth-connect/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_user_id TEXT NOT NULL DEFAULT '',
	provider_workspace_id TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	encrypted_access_token TEXT NOT NULL,
	encrypted_refresh_token TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	scopes TEXT NOT NULL DEFAULT '[]',
	expires_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_refreshed_at INTEGER NOT NULL DEFAULT 0,
	last_health_check_at INTEGER NOT NULL DEFAULT 0,
	health_check_status TEXT NOT NULL DEFAULT '',
	health_check_error TEXT NOT NULL DEFAULT '',
	revoked_at INTEGER NOT NULL DEFAULT 0,
	revoked_by TEXT NOT NULL DEFAULT '',
	revoked_reason TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_identity
	ON oauth_connections (user_id, tenant_id, provider, provider_workspace_id)
	WHERE status != 'revoked';

CREATE INDEX IF NOT EXISTS idx_connections_owner
	ON oauth_connections (user_id, tenant_id);

CREATE INDEX IF NOT EXISTS idx_connections_status_expiry
	ON oauth_connections (status, expires_at);
`

const connectionColumns = `id, user_id, tenant_id, provider, provider_user_id,
	provider_workspace_id, email, encrypted_access_token, encrypted_refresh_token,
	token_type, scopes, expires_at, status, version, created_at, updated_at,
	last_refreshed_at, last_health_check_at, health_check_status,
	health_check_error, revoked_at, revoked_by, revoked_reason`

// Store is a SQLite-backed connection repository.
type Store struct {
	db *sql.DB
}

var _ storage.ConnectionStore = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent refreshers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateConnection inserts a new connection with version 1.
func (s *Store) CreateConnection(ctx context.Context, conn *storage.Connection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("invalid connection")
	}

	scopes, err := encodeScopes(conn.Scopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO oauth_connections (
	id, user_id, tenant_id, provider, provider_user_id, provider_workspace_id,
	email, encrypted_access_token, encrypted_refresh_token, token_type, scopes,
	expires_at, status, version, created_at, updated_at, last_refreshed_at,
	last_health_check_at, health_check_status, health_check_error,
	revoked_at, revoked_by, revoked_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID,
		conn.UserID,
		conn.TenantID,
		conn.Provider,
		conn.ProviderUserID,
		conn.ProviderWorkspaceID,
		conn.Email,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenType,
		scopes,
		toMillis(conn.ExpiresAt),
		string(conn.Status),
		toMillis(conn.CreatedAt),
		toMillis(conn.UpdatedAt),
		toMillis(conn.LastRefreshedAt),
		toMillis(conn.LastHealthCheckAt),
		string(conn.HealthCheckStatus),
		conn.HealthCheckError,
		toMillis(conn.RevokedAt),
		conn.RevokedBy,
		conn.RevokedReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConnectionExists
		}
		return fmt.Errorf("create connection: %w", err)
	}

	conn.Version = 1
	return nil
}

// GetConnection retrieves a connection by ID.
func (s *Store) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections WHERE id = ?`, id)

	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, id)
	}
	return conn, err
}

// FindByIdentity retrieves the most recent connection for an identity
// tuple. A revoked record is returned if nothing newer supersedes it, so
// the caller can distinguish "re-authorize" from "first authorization".
func (s *Store) FindByIdentity(ctx context.Context, id storage.Identity) (*storage.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		WHERE user_id = ? AND tenant_id = ? AND provider = ? AND provider_workspace_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		id.UserID, id.TenantID, id.Provider, id.WorkspaceID)

	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrConnectionNotFound
	}
	return conn, err
}

// UpdateConnection writes conn if the stored version still matches
// expectedVersion. The version predicate in the WHERE clause is what
// makes the update atomic across processes.
func (s *Store) UpdateConnection(ctx context.Context, conn *storage.Connection, expectedVersion int64) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("invalid connection")
	}

	scopes, err := encodeScopes(conn.Scopes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE oauth_connections SET
	provider_user_id = ?,
	provider_workspace_id = ?,
	email = ?,
	encrypted_access_token = ?,
	encrypted_refresh_token = ?,
	token_type = ?,
	scopes = ?,
	expires_at = ?,
	status = ?,
	version = version + 1,
	updated_at = ?,
	last_refreshed_at = ?,
	last_health_check_at = ?,
	health_check_status = ?,
	health_check_error = ?,
	revoked_at = ?,
	revoked_by = ?,
	revoked_reason = ?
WHERE id = ? AND version = ?`,
		conn.ProviderUserID,
		conn.ProviderWorkspaceID,
		conn.Email,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenType,
		scopes,
		toMillis(conn.ExpiresAt),
		string(conn.Status),
		toMillis(conn.UpdatedAt),
		toMillis(conn.LastRefreshedAt),
		toMillis(conn.LastHealthCheckAt),
		string(conn.HealthCheckStatus),
		conn.HealthCheckError,
		toMillis(conn.RevokedAt),
		conn.RevokedBy,
		conn.RevokedReason,
		conn.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if affected == 0 {
		// Distinguish "gone" from "someone else won".
		var stored int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM oauth_connections WHERE id = ?`, conn.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, conn.ID)
		}
		if err != nil {
			return fmt.Errorf("update connection: %w", err)
		}
		return fmt.Errorf("%w: have %d, want %d", storage.ErrVersionConflict, stored, expectedVersion)
	}

	conn.Version = expectedVersion + 1
	return nil
}

// ListByOwner lists all connections for a user within a tenant.
func (s *Store) ListByOwner(ctx context.Context, userID, tenantID string) ([]*storage.Connection, error) {
	return s.list(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		WHERE user_id = ? AND tenant_id = ? ORDER BY created_at`,
		userID, tenantID)
}

// ListActive lists all active connections.
func (s *Store) ListActive(ctx context.Context) ([]*storage.Connection, error) {
	return s.list(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		WHERE status = ? ORDER BY created_at`,
		string(storage.StatusActive))
}

// ListExpiring lists active connections holding refresh tokens that
// expire before the cutoff.
func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time) ([]*storage.Connection, error) {
	return s.list(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		WHERE status = ? AND encrypted_refresh_token != '' AND expires_at < ?
		ORDER BY expires_at`,
		string(storage.StatusActive), toMillis(cutoff))
}

// Stats returns aggregate counts by status and provider.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, provider, COUNT(*) FROM oauth_connections GROUP BY status, provider`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &storage.Stats{
		ByStatus:   make(map[storage.ConnectionStatus]int),
		ByProvider: make(map[string]int),
	}
	for rows.Next() {
		var status, provider string
		var count int
		if err := rows.Scan(&status, &provider, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[storage.ConnectionStatus(status)] += count
		stats.ByProvider[provider] += count
	}
	return stats, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*storage.Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []*storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*storage.Connection, error) {
	var (
		conn            storage.Connection
		scopes          string
		status          string
		health          string
		expiresAt       int64
		createdAt       int64
		updatedAt       int64
		lastRefreshedAt int64
		lastHealthAt    int64
		revokedAt       int64
	)

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.TenantID, &conn.Provider,
		&conn.ProviderUserID, &conn.ProviderWorkspaceID, &conn.Email,
		&conn.EncryptedAccessToken, &conn.EncryptedRefreshToken,
		&conn.TokenType, &scopes, &expiresAt, &status, &conn.Version,
		&createdAt, &updatedAt, &lastRefreshedAt, &lastHealthAt,
		&health, &conn.HealthCheckError, &revokedAt, &conn.RevokedBy,
		&conn.RevokedReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}

	conn.Scopes, err = decodeScopes(scopes)
	if err != nil {
		return nil, err
	}
	conn.Status = storage.ConnectionStatus(status)
	conn.HealthCheckStatus = storage.HealthStatus(health)
	conn.ExpiresAt = fromMillis(expiresAt)
	conn.CreatedAt = fromMillis(createdAt)
	conn.UpdatedAt = fromMillis(updatedAt)
	conn.LastRefreshedAt = fromMillis(lastRefreshedAt)
	conn.LastHealthCheckAt = fromMillis(lastHealthAt)
	conn.RevokedAt = fromMillis(revokedAt)

	return &conn, nil
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func encodeScopes(scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(encoded), nil
}

func decodeScopes(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "[]" {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(value), &scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	return scopes, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the error
	// string; there is no exported error type to match on.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
