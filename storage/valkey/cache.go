package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayforge/oauth-connect/internal/util"
	"github.com/relayforge/oauth-connect/storage"
)

type cachedTokenJSON struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PutToken caches a decrypted access token under the connection ID.
// The TTL bounds the plaintext exposure window; the cache entry never
// outlives the token itself.
func (s *Store) PutToken(ctx context.Context, connectionID string, token *storage.CachedToken, ttl time.Duration) error {
	if connectionID == "" || token == nil {
		return fmt.Errorf("invalid cache entry")
	}
	if ttl <= 0 {
		return nil
	}

	if untilExpiry := calculateTTL(token.ExpiresAt); untilExpiry > 0 && untilExpiry < ttl {
		ttl = untilExpiry
	}

	data, err := json.Marshal(cachedTokenJSON{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cached token: %w", err)
	}

	key := s.cacheKey(connectionID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}

	s.logger.Debug("Cached decrypted token",
		"connection_id", util.SafeTruncate(connectionID, tokenIDLogLength),
		"ttl", ttl)
	return nil
}

// GetToken returns the cached token or storage.ErrCacheMiss.
func (s *Store) GetToken(ctx context.Context, connectionID string) (*storage.CachedToken, error) {
	key := s.cacheKey(connectionID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cached token: %w", err)
	}

	var j cachedTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	return &storage.CachedToken{
		AccessToken: j.AccessToken,
		TokenType:   j.TokenType,
		ExpiresAt:   j.ExpiresAt,
	}, nil
}

// InvalidateToken drops the cached token for a connection.
func (s *Store) InvalidateToken(ctx context.Context, connectionID string) error {
	key := s.cacheKey(connectionID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached token: %w", err)
	}
	return nil
}
