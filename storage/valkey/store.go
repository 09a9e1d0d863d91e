// Package valkey provides a Valkey-backed implementation of the ephemeral
// storage interfaces: the single-use authorization state store and the
// decrypted-token cache. Both rely on server-side TTLs, so a restart or
// eviction only degrades performance, never corrupts durable state.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/relayforge/oauth-connect/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauthconn:"

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second

	// tokenIDLogLength is the number of characters to include when logging identifiers.
	tokenIDLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauthconn:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of StateStore and TokenCache.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.StateStore = (*Store)(nil)
	_ storage.TokenCache = (*Store)(nil)
)

// New creates a new Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

func (s *Store) stateKey(state string) string {
	return s.prefix + "state:" + state
}

func (s *Store) cacheKey(connectionID string) string {
	return s.prefix + "token:" + connectionID
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
