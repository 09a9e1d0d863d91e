// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/oauth-connect/storage"
)

// Store is an in-memory implementation of ConnectionStore, StateStore,
// and TokenCache.
type Store struct {
	mu sync.RWMutex

	connections map[string]*storage.Connection // connection ID -> record
	identities  map[storage.Identity]string    // identity tuple -> connection ID

	states map[string]*storage.AuthorizationState

	cache map[string]cacheEntry // connection ID -> cached token

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

type cacheEntry struct {
	token     *storage.CachedToken
	expiresAt time.Time
}

// Compile-time interface checks.
var (
	_ storage.ConnectionStore = (*Store)(nil)
	_ storage.StateStore      = (*Store)(nil)
	_ storage.TokenCache      = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom interval for
// the expired state/cache sweeper.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		connections:     make(map[string]*storage.Connection),
		identities:      make(map[storage.Identity]string),
		states:          make(map[string]*storage.AuthorizationState),
		cache:           make(map[string]cacheEntry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger replaces the store's logger. Call before concurrent use.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background sweeper.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ConnectionStore
// ============================================================

// CreateConnection stores a new connection record.
func (s *Store) CreateConnection(_ context.Context, conn *storage.Connection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("invalid connection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[conn.ID]; ok {
		return fmt.Errorf("connection %s already stored", conn.ID)
	}

	// Revoked records stay behind for audit; the identity index always
	// points at the latest record for the tuple.
	if existingID, ok := s.identities[conn.Identity()]; ok {
		if !s.connections[existingID].Terminal() {
			return storage.ErrConnectionExists
		}
	}

	cp := conn.Clone()
	cp.Version = 1
	s.connections[cp.ID] = cp
	s.identities[cp.Identity()] = cp.ID

	conn.Version = cp.Version
	return nil
}

// GetConnection retrieves a connection by ID.
func (s *Store) GetConnection(_ context.Context, id string) (*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, id)
	}
	return conn.Clone(), nil
}

// FindByIdentity retrieves the connection for an identity tuple.
func (s *Store) FindByIdentity(_ context.Context, id storage.Identity) (*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	connID, ok := s.identities[id]
	if !ok {
		return nil, storage.ErrConnectionNotFound
	}
	return s.connections[connID].Clone(), nil
}

// UpdateConnection persists conn if the stored version matches.
func (s *Store) UpdateConnection(_ context.Context, conn *storage.Connection, expectedVersion int64) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("invalid connection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.connections[conn.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, conn.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: have %d, want %d", storage.ErrVersionConflict, stored.Version, expectedVersion)
	}

	cp := conn.Clone()
	cp.Version = expectedVersion + 1
	s.connections[cp.ID] = cp

	conn.Version = cp.Version
	return nil
}

// ListByOwner lists all connections for a user within a tenant.
func (s *Store) ListByOwner(_ context.Context, userID, tenantID string) ([]*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Connection
	for _, conn := range s.connections {
		if conn.UserID == userID && conn.TenantID == tenantID {
			out = append(out, conn.Clone())
		}
	}
	return out, nil
}

// ListActive lists all active connections.
func (s *Store) ListActive(_ context.Context) ([]*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Connection
	for _, conn := range s.connections {
		if conn.Status == storage.StatusActive {
			out = append(out, conn.Clone())
		}
	}
	return out, nil
}

// ListExpiring lists active connections with refresh tokens expiring
// before the cutoff.
func (s *Store) ListExpiring(_ context.Context, cutoff time.Time) ([]*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Connection
	for _, conn := range s.connections {
		if conn.Status != storage.StatusActive || !conn.HasRefreshToken() {
			continue
		}
		if conn.ExpiresAt.Before(cutoff) {
			out = append(out, conn.Clone())
		}
	}
	return out, nil
}

// Stats returns aggregate counts by status and provider.
func (s *Store) Stats(_ context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Total:      len(s.connections),
		ByStatus:   make(map[storage.ConnectionStatus]int),
		ByProvider: make(map[string]int),
	}
	for _, conn := range s.connections {
		stats.ByStatus[conn.Status]++
		stats.ByProvider[conn.Provider]++
	}
	return stats, nil
}

// ============================================================
// StateStore
// ============================================================

// SaveState stores authorization state until its expiry.
func (s *Store) SaveState(_ context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}
	if !state.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("authorization state already expired")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.State] = &cp
	return nil
}

// ConsumeState atomically reads and deletes the state. The mutex makes
// the read-then-delete a single step: exactly one concurrent caller wins.
func (s *Store) ConsumeState(_ context.Context, state string) (*storage.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	delete(s.states, state)

	if time.Now().After(st.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrStateNotFound)
	}

	cp := *st
	return &cp, nil
}

// ============================================================
// TokenCache
// ============================================================

// PutToken caches a decrypted token for at most ttl. The entry never
// outlives the token itself.
func (s *Store) PutToken(_ context.Context, connectionID string, token *storage.CachedToken, ttl time.Duration) error {
	if connectionID == "" || token == nil {
		return fmt.Errorf("invalid cache entry")
	}
	if ttl <= 0 {
		return nil
	}

	expiresAt := time.Now().Add(ttl)
	if !token.ExpiresAt.IsZero() && token.ExpiresAt.Before(expiresAt) {
		expiresAt = token.ExpiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.cache[connectionID] = cacheEntry{
		token:     &cp,
		expiresAt: expiresAt,
	}
	return nil
}

// GetToken returns the cached token or ErrCacheMiss.
func (s *Store) GetToken(_ context.Context, connectionID string) (*storage.CachedToken, error) {
	s.mu.RLock()
	entry, ok := s.cache[connectionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, storage.ErrCacheMiss
	}

	cp := *entry.token
	return &cp, nil
}

// InvalidateToken drops the cached token for a connection.
func (s *Store) InvalidateToken(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, connectionID)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var states, tokens int
	for key, st := range s.states {
		if now.After(st.ExpiresAt) {
			delete(s.states, key)
			states++
		}
	}
	for key, entry := range s.cache {
		if now.After(entry.expiresAt) {
			delete(s.cache, key)
			tokens++
		}
	}

	if states > 0 || tokens > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"states", states,
			"cached_tokens", tokens)
	}
}
