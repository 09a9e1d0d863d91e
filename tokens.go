package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage"
)

// Token sources reported in AccessTokenResult.
const (
	tokenSourceCache   = "cache"
	tokenSourceStore   = "store"
	tokenSourceRefresh = "refresh"
)

// refreshOutcome is what a deduplicated refresh hands back to every
// waiter.
type refreshOutcome struct {
	conn        *storage.Connection
	accessToken string
	rotated     bool
}

// GetAccessToken returns a valid access token for a connection, looked
// up by ID or identity tuple. Tokens inside the refresh look-ahead
// window are refreshed inline before being served; callers never receive
// a token about to expire.
func (s *Service) GetAccessToken(ctx context.Context, req TokenRequest) (*AccessTokenResult, error) {
	conn, err := s.resolveConnection(ctx, req)
	if err != nil {
		return nil, err
	}

	switch conn.Status {
	case storage.StatusRevoked, storage.StatusError:
		return nil, ErrConnectionNotActive(
			fmt.Sprintf("connection is %s; re-authorization required", conn.Status))
	}

	lookAhead := s.cfg.Tokens.RefreshLookAhead

	// Cache read-through. A cached token still outside the look-ahead
	// window is served without touching the repository again.
	if s.cache != nil {
		cached, err := s.cache.GetToken(ctx, conn.ID)
		if err == nil && !security.IsExpiringWithin(cached.ExpiresAt, lookAhead) {
			s.metrics().RecordTokenServed(ctx, conn.Provider, tokenSourceCache)
			return &AccessTokenResult{
				ConnectionID: conn.ID,
				Provider:     conn.Provider,
				AccessToken:  cached.AccessToken,
				TokenType:    cached.TokenType,
				Scopes:       conn.Scopes,
				ExpiresAt:    cached.ExpiresAt,
				Source:       tokenSourceCache,
			}, nil
		}
		if err != nil && !errors.Is(err, storage.ErrCacheMiss) {
			s.logger.Warn("Token cache read failed", "error", err, "connection_id", conn.ID)
		}
	}

	if security.IsExpiringWithin(conn.ExpiresAt, lookAhead) {
		if !conn.HasRefreshToken() {
			s.markExpired(ctx, conn)
			return nil, ErrConnectionNotActive("token expired and no refresh token is stored")
		}

		outcome, err := s.refresh(ctx, conn.ID, "inline")
		if err != nil {
			return nil, err
		}

		s.metrics().RecordTokenServed(ctx, outcome.conn.Provider, tokenSourceRefresh)
		return &AccessTokenResult{
			ConnectionID: outcome.conn.ID,
			Provider:     outcome.conn.Provider,
			AccessToken:  outcome.accessToken,
			TokenType:    outcome.conn.TokenType,
			Scopes:       outcome.conn.Scopes,
			ExpiresAt:    outcome.conn.ExpiresAt,
			Source:       tokenSourceRefresh,
		}, nil
	}

	accessToken, err := s.decrypt(ctx, conn.EncryptedAccessToken)
	if err != nil {
		return nil, err
	}

	s.cacheToken(ctx, conn, accessToken)
	s.metrics().RecordTokenServed(ctx, conn.Provider, tokenSourceStore)
	return &AccessTokenResult{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		AccessToken:  accessToken,
		TokenType:    conn.TokenType,
		Scopes:       conn.Scopes,
		ExpiresAt:    conn.ExpiresAt,
		Source:       tokenSourceStore,
	}, nil
}

// RefreshConnection forces a refresh regardless of the look-ahead window
// and returns the fresh token.
func (s *Service) RefreshConnection(ctx context.Context, connectionID string) (*AccessTokenResult, error) {
	outcome, err := s.refresh(ctx, connectionID, "forced")
	if err != nil {
		return nil, err
	}

	s.metrics().RecordTokenServed(ctx, outcome.conn.Provider, tokenSourceRefresh)
	return &AccessTokenResult{
		ConnectionID: outcome.conn.ID,
		Provider:     outcome.conn.Provider,
		AccessToken:  outcome.accessToken,
		TokenType:    outcome.conn.TokenType,
		Scopes:       outcome.conn.Scopes,
		ExpiresAt:    outcome.conn.ExpiresAt,
		Source:       tokenSourceRefresh,
	}, nil
}

// Revoke marks a connection revoked, drops its cached token, and makes a
// best-effort attempt to revoke the grant at the provider. Idempotent:
// revoking a revoked connection succeeds without side effects. The
// record is retained for audit.
func (s *Service) Revoke(ctx context.Context, connectionID, revokedBy, reason string) error {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return ErrConnectionNotFound("no such connection")
		}
		return ErrServerError("failed to load connection")
	}

	if conn.Status == storage.StatusRevoked {
		return nil
	}

	s.revokeAtProvider(ctx, conn)

	for attempt := 0; attempt < 3; attempt++ {
		updated := conn.Clone()
		updated.Status = storage.StatusRevoked
		updated.RevokedAt = s.now()
		updated.RevokedBy = revokedBy
		updated.RevokedReason = reason
		updated.UpdatedAt = updated.RevokedAt

		err = s.store.UpdateConnection(ctx, updated, conn.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Error("Failed to revoke connection", "error", err, "connection_id", connectionID)
			return ErrServerError("failed to revoke connection")
		}

		conn, err = s.store.GetConnection(ctx, connectionID)
		if err != nil {
			return ErrServerError("failed to revoke connection")
		}
		if conn.Status == storage.StatusRevoked {
			err = nil
			break
		}
	}
	if err != nil {
		s.logger.Error("Failed to revoke connection after retries", "connection_id", connectionID)
		return ErrServerError("failed to revoke connection")
	}

	if s.cache != nil {
		if cerr := s.cache.InvalidateToken(ctx, connectionID); cerr != nil {
			s.logger.Warn("Failed to invalidate cached token", "error", cerr, "connection_id", connectionID)
		}
	}

	s.metrics().RecordTokenRevocation(ctx, conn.Provider)
	s.auditor.LogConnectionRevoked(connectionID, conn.Provider, revokedBy, reason)
	s.logger.Info("Connection revoked",
		"connection_id", connectionID,
		"provider", conn.Provider,
		"revoked_by", revokedBy)
	return nil
}

// refresh collapses concurrent refreshes of one connection into a single
// provider call; every caller receives the same outcome.
func (s *Service) refresh(ctx context.Context, connectionID, trigger string) (*refreshOutcome, error) {
	v, err, _ := s.refreshGroup.Do(connectionID, func() (interface{}, error) {
		return s.doRefresh(ctx, connectionID, trigger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*refreshOutcome), nil
}

// doRefresh performs one refresh: provider call with retry on transient
// failures, then a version-conditional commit. Losing the version race
// means another process already refreshed; the result in the store wins
// and ours is discarded.
func (s *Service) doRefresh(ctx context.Context, connectionID, trigger string) (*refreshOutcome, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound("no such connection")
		}
		return nil, ErrServerError("failed to load connection")
	}

	switch conn.Status {
	case storage.StatusRevoked, storage.StatusError:
		return nil, ErrConnectionNotActive(
			fmt.Sprintf("connection is %s; re-authorization required", conn.Status))
	}
	if !conn.HasRefreshToken() {
		s.markExpired(ctx, conn)
		return nil, ErrConnectionNotActive("no refresh token is stored")
	}

	refreshToken, err := s.decrypt(ctx, conn.EncryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	provider, ferr := s.provider(conn.Provider)
	if ferr != nil {
		return nil, ferr
	}

	fresh, err := backoff.Retry(ctx, func() (*providers.Token, error) {
		pctx, cancel := s.providerCtx(ctx)
		defer cancel()

		t, rerr := provider.RefreshToken(pctx, refreshToken)
		if rerr != nil {
			if providers.IsTemporary(rerr) {
				return nil, rerr
			}
			return nil, backoff.Permanent(rerr)
		}
		return t, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, s.handleRefreshFailure(ctx, conn, trigger, err)
	}

	rotated := fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken
	providers.MergeRefreshToken(fresh, refreshToken)
	fresh.ExpiresAt = providers.NormalizeExpiry(fresh.ExpiresAt, s.now())

	outcome, err := s.commitRefresh(ctx, conn, fresh, rotated)
	if err != nil {
		return nil, err
	}

	s.metrics().RecordTokenRefresh(ctx, conn.Provider, trigger, rotated)
	s.auditor.LogTokenRefreshed(conn.ID, conn.Provider, rotated)
	s.logger.Info("Token refreshed",
		"connection_id", conn.ID,
		"provider", conn.Provider,
		"trigger", trigger,
		"rotated", rotated)
	return outcome, nil
}

// commitRefresh writes the refreshed grant under the version read before
// the provider call. On conflict the store's copy is newer; adopt it.
func (s *Service) commitRefresh(ctx context.Context, conn *storage.Connection, fresh *providers.Token, rotated bool) (*refreshOutcome, error) {
	encAccess, err := s.envelope.Encrypt(ctx, fresh.AccessToken)
	if err != nil {
		return nil, s.envelopeError(err)
	}
	encRefresh, err := s.envelope.Encrypt(ctx, fresh.RefreshToken)
	if err != nil {
		return nil, s.envelopeError(err)
	}

	now := s.now()
	updated := conn.Clone()
	updated.EncryptedAccessToken = encAccess
	updated.EncryptedRefreshToken = encRefresh
	if fresh.TokenType != "" {
		updated.TokenType = fresh.TokenType
	}
	updated.ExpiresAt = fresh.ExpiresAt
	updated.Status = storage.StatusActive
	updated.LastRefreshedAt = now
	updated.UpdatedAt = now

	err = s.store.UpdateConnection(ctx, updated, conn.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
		s.metrics().RecordRefreshFailed(ctx, conn.Provider, "conflict")
		s.logger.Debug("Refresh lost version race, adopting committed token",
			"connection_id", conn.ID)

		current, gerr := s.store.GetConnection(ctx, conn.ID)
		if gerr != nil {
			return nil, ErrServerError("failed to reload connection")
		}
		if current.Status != storage.StatusActive {
			return nil, ErrConnectionNotActive(
				fmt.Sprintf("connection is %s; re-authorization required", current.Status))
		}
		accessToken, derr := s.decrypt(ctx, current.EncryptedAccessToken)
		if derr != nil {
			return nil, derr
		}
		return &refreshOutcome{conn: current, accessToken: accessToken}, nil
	}
	if err != nil {
		s.logger.Error("Failed to persist refreshed token", "error", err, "connection_id", conn.ID)
		return nil, ErrServerError("failed to persist refreshed token")
	}

	s.cacheToken(ctx, updated, fresh.AccessToken)
	return &refreshOutcome{conn: updated, accessToken: fresh.AccessToken, rotated: rotated}, nil
}

// handleRefreshFailure maps a failed provider refresh onto status
// transitions: a revoked grant moves the connection to error, a
// transient failure leaves it untouched.
func (s *Service) handleRefreshFailure(ctx context.Context, conn *storage.Connection, trigger string, err error) error {
	if providers.IsGrantRevoked(err) {
		s.metrics().RecordRefreshFailed(ctx, conn.Provider, "grant_revoked")
		s.auditor.LogRefreshFailed(conn.ID, conn.Provider, "grant revoked at provider", true)
		s.logger.Warn("Refresh token rejected by provider",
			"connection_id", conn.ID,
			"provider", conn.Provider,
			"trigger", trigger)

		updated := conn.Clone()
		updated.Status = storage.StatusError
		updated.UpdatedAt = s.now()
		if uerr := s.store.UpdateConnection(ctx, updated, conn.Version); uerr != nil && !errors.Is(uerr, storage.ErrVersionConflict) {
			s.logger.Error("Failed to mark connection errored", "error", uerr, "connection_id", conn.ID)
		}
		if s.cache != nil {
			if cerr := s.cache.InvalidateToken(ctx, conn.ID); cerr != nil {
				s.logger.Warn("Failed to invalidate cached token", "error", cerr, "connection_id", conn.ID)
			}
		}
		return ErrConnectionNotActive("grant was revoked at the provider; re-authorization required")
	}

	s.metrics().RecordRefreshFailed(ctx, conn.Provider, "temporary")
	s.auditor.LogRefreshFailed(conn.ID, conn.Provider, "transient provider failure", false)
	s.logger.Warn("Token refresh failed transiently",
		"connection_id", conn.ID,
		"provider", conn.Provider,
		"trigger", trigger,
		"error", err)
	return ErrExchangeFailed("provider refresh failed; try again later")
}

// markExpired records that a connection's token lapsed with no way to
// refresh it. Best effort: a conflict means someone else already updated
// the record.
func (s *Service) markExpired(ctx context.Context, conn *storage.Connection) {
	if conn.Status == storage.StatusExpired {
		return
	}
	updated := conn.Clone()
	updated.Status = storage.StatusExpired
	updated.UpdatedAt = s.now()
	if err := s.store.UpdateConnection(ctx, updated, conn.Version); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		s.logger.Warn("Failed to mark connection expired", "error", err, "connection_id", conn.ID)
	}
}

// revokeAtProvider makes a best-effort provider-side revocation. Local
// revocation proceeds regardless of the outcome here.
func (s *Service) revokeAtProvider(ctx context.Context, conn *storage.Connection) {
	provider, ferr := s.provider(conn.Provider)
	if ferr != nil {
		return
	}

	token := conn.EncryptedRefreshToken
	if token == "" {
		token = conn.EncryptedAccessToken
	}
	plaintext, err := s.decrypt(ctx, token)
	if err != nil {
		s.logger.Warn("Skipping provider-side revocation, token undecryptable",
			"connection_id", conn.ID, "error", err)
		return
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	if err := provider.RevokeToken(pctx, plaintext); err != nil {
		s.logger.Warn("Provider-side revocation failed",
			"connection_id", conn.ID,
			"provider", conn.Provider,
			"error", err)
	}
}

// resolveConnection finds the connection a token request refers to.
func (s *Service) resolveConnection(ctx context.Context, req TokenRequest) (*storage.Connection, error) {
	var conn *storage.Connection
	var err error

	switch {
	case req.ConnectionID != "":
		conn, err = s.store.GetConnection(ctx, req.ConnectionID)
	case req.UserID != "" && req.TenantID != "" && req.Provider != "":
		conn, err = s.store.FindByIdentity(ctx, storage.Identity{
			UserID:      req.UserID,
			TenantID:    req.TenantID,
			Provider:    req.Provider,
			WorkspaceID: req.WorkspaceID,
		})
	default:
		return nil, ErrInvalidRequest("connection_id or (user_id, tenant_id, provider) is required")
	}

	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound("no such connection")
		}
		s.logger.Error("Failed to resolve connection", "error", err)
		return nil, ErrServerError("failed to load connection")
	}
	return conn, nil
}

// decrypt opens a stored ciphertext, mapping envelope failures onto the
// flow error taxonomy.
func (s *Service) decrypt(ctx context.Context, ciphertext string) (string, error) {
	plaintext, err := s.envelope.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", s.envelopeError(err)
	}
	return plaintext, nil
}

// cacheToken stores a plaintext token in the cache, TTL-capped at token
// expiry. Failures are logged, never surfaced.
func (s *Service) cacheToken(ctx context.Context, conn *storage.Connection, accessToken string) {
	if s.cache == nil {
		return
	}
	err := s.cache.PutToken(ctx, conn.ID, &storage.CachedToken{
		AccessToken: accessToken,
		TokenType:   conn.TokenType,
		ExpiresAt:   conn.ExpiresAt,
	}, s.cfg.Tokens.CacheTTL)
	if err != nil {
		s.logger.Warn("Failed to cache token", "error", err, "connection_id", conn.ID)
	}
}
