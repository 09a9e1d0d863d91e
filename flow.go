package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage"
)

// stateByteLength is the entropy of the anti-CSRF state value.
const stateByteLength = 32

// BeginAuthorization starts an authorization flow: it mints a single-use
// state bound to the caller, persists it with a TTL, and returns the
// provider's authorization URL.
func (s *Service) BeginAuthorization(ctx context.Context, req BeginAuthorizationRequest) (*BeginAuthorizationResponse, error) {
	if req.UserID == "" || req.TenantID == "" {
		return nil, ErrInvalidRequest("caller identity is required")
	}

	provider, ferr := s.provider(req.Provider)
	if ferr != nil {
		return nil, ferr
	}

	state, err := generateState()
	if err != nil {
		return nil, ErrServerError("failed to generate state")
	}

	now := s.now()
	redirectURI := s.cfg.CallbackURL(req.Provider)
	authState := &storage.AuthorizationState{
		State:       state,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Provider:    req.Provider,
		RedirectURI: redirectURI,
		Scopes:      req.Scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Tokens.StateTTL),
	}
	if err := s.states.SaveState(ctx, authState); err != nil {
		s.logger.Error("Failed to save authorization state", "error", err, "provider", req.Provider)
		return nil, ErrServerError("failed to persist authorization state")
	}

	authURL := provider.AuthorizationURL(state, &providers.AuthOptions{
		RedirectURI: redirectURI,
		Scopes:      req.Scopes,
		LoginHint:   req.LoginHint,
	})

	s.metrics().RecordAuthorizationStarted(ctx, req.Provider)
	s.auditor.LogFlowStarted(req.UserID, req.TenantID, req.Provider, clientIPFromContext(ctx))

	s.logger.Info("Authorization flow started",
		"provider", req.Provider,
		"tenant_id", req.TenantID)

	return &BeginAuthorizationResponse{
		AuthorizationURL: authURL,
		State:            state,
		ExpiresAt:        authState.ExpiresAt,
	}, nil
}

// CompleteAuthorization finishes the flow after the provider redirected
// back: it consumes the state exactly once, exchanges the code, encrypts
// the tokens, and upserts the connection for the caller's identity tuple.
// This is the only path that moves a connection into the active status.
func (s *Service) CompleteAuthorization(ctx context.Context, code, state string) (*storage.Connection, error) {
	if code == "" {
		return nil, ErrInvalidRequest("authorization code is required")
	}
	if state == "" {
		return nil, ErrInvalidRequest("state is required")
	}

	authState, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			s.metrics().RecordStateRejected(ctx, "")
			s.auditor.LogStateRejected(clientIPFromContext(ctx), "unknown, expired, or already used")
			return nil, ErrInvalidState("state is unknown, expired, or already used")
		}
		s.logger.Error("Failed to consume authorization state", "error", err)
		return nil, ErrServerError("failed to validate state")
	}

	provider, ferr := s.provider(authState.Provider)
	if ferr != nil {
		// A state can only reference a provider that was registered when
		// the flow began; losing it mid-flight is a deployment change.
		return nil, ferr
	}

	pctx, cancel := s.providerCtx(ctx)
	token, err := provider.ExchangeCode(pctx, code, authState.RedirectURI)
	cancel()
	if err != nil {
		s.metrics().RecordCallbackProcessed(ctx, authState.Provider, false)
		s.logger.Warn("Code exchange failed",
			"provider", authState.Provider,
			"error", err)
		return nil, ErrExchangeFailed("provider rejected the code exchange")
	}

	conn, err := s.persistGrant(ctx, authState, token)
	if err != nil {
		s.metrics().RecordCallbackProcessed(ctx, authState.Provider, false)
		return nil, err
	}

	s.metrics().RecordCallbackProcessed(ctx, authState.Provider, true)
	return conn, nil
}

// persistGrant encrypts the exchanged tokens and creates or updates the
// connection for the identity tuple. The write is retried a few times
// because a concurrent callback or refresh can move the record between
// the read and the conditional write.
func (s *Service) persistGrant(ctx context.Context, authState *storage.AuthorizationState, token *providers.Token) (*storage.Connection, error) {
	var conn *storage.Connection
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		conn, err = s.persistGrantOnce(ctx, authState, token)
		if !errors.Is(err, storage.ErrVersionConflict) && !errors.Is(err, storage.ErrConnectionExists) {
			return conn, err
		}
	}
	s.logger.Error("Gave up persisting grant after repeated write conflicts", "provider", authState.Provider)
	return nil, ErrServerError("failed to persist connection")
}

func (s *Service) persistGrantOnce(ctx context.Context, authState *storage.AuthorizationState, token *providers.Token) (*storage.Connection, error) {
	encAccess, err := s.envelope.Encrypt(ctx, token.AccessToken)
	if err != nil {
		return nil, s.envelopeError(err)
	}
	var encRefresh string
	if token.RefreshToken != "" {
		encRefresh, err = s.envelope.Encrypt(ctx, token.RefreshToken)
		if err != nil {
			return nil, s.envelopeError(err)
		}
	}

	scopes := token.Scopes
	if len(scopes) == 0 {
		scopes = authState.Scopes
	}

	identity := storage.Identity{
		UserID:      authState.UserID,
		TenantID:    authState.TenantID,
		Provider:    authState.Provider,
		WorkspaceID: token.WorkspaceID,
	}

	now := s.now()
	existing, err := s.store.FindByIdentity(ctx, identity)
	switch {
	case err == nil && !existing.Terminal():
		// Re-authorization of a live connection: replace its grant in
		// place, preserving the record and its audit trail.
		updated := existing.Clone()
		updated.ProviderUserID = token.ProviderUserID
		updated.Email = token.Email
		updated.EncryptedAccessToken = encAccess
		if encRefresh != "" {
			updated.EncryptedRefreshToken = encRefresh
		}
		updated.TokenType = token.TokenType
		updated.Scopes = scopes
		updated.ExpiresAt = token.ExpiresAt
		updated.Status = storage.StatusActive
		updated.UpdatedAt = now

		if err := s.store.UpdateConnection(ctx, updated, existing.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				// Another writer (a concurrent callback or refresh) moved
				// the record. The grant we hold is still the newest, so
				// the caller re-reads and applies again.
				return nil, err
			}
			s.logger.Error("Failed to update connection", "error", err, "connection_id", existing.ID)
			return nil, ErrServerError("failed to persist connection")
		}

		if s.cache != nil {
			if err := s.cache.InvalidateToken(ctx, updated.ID); err != nil {
				s.logger.Warn("Failed to invalidate cached token", "error", err, "connection_id", updated.ID)
			}
		}

		s.metrics().RecordConnectionEstablished(ctx, authState.Provider, true)
		s.auditor.LogConnectionEstablished(authState.UserID, authState.TenantID, authState.Provider, updated.ID, true)
		s.logger.Info("Connection re-authorized",
			"connection_id", updated.ID,
			"provider", authState.Provider)
		return updated, nil

	case err == nil && existing.Terminal(), errors.Is(err, storage.ErrConnectionNotFound):
		// First authorization, or a fresh grant after revocation. The
		// revoked record stays for audit; a new one takes over the
		// identity tuple.
		conn := &storage.Connection{
			ID:                    xid.New().String(),
			UserID:                authState.UserID,
			TenantID:              authState.TenantID,
			Provider:              authState.Provider,
			ProviderUserID:        token.ProviderUserID,
			ProviderWorkspaceID:   token.WorkspaceID,
			Email:                 token.Email,
			EncryptedAccessToken:  encAccess,
			EncryptedRefreshToken: encRefresh,
			TokenType:             token.TokenType,
			Scopes:                scopes,
			ExpiresAt:             token.ExpiresAt,
			Status:                storage.StatusActive,
			CreatedAt:             now,
			UpdatedAt:             now,
		}

		if err := s.store.CreateConnection(ctx, conn); err != nil {
			if errors.Is(err, storage.ErrConnectionExists) {
				// Lost a create race with a concurrent callback for the
				// same identity; the caller retries via the update path.
				return nil, err
			}
			s.logger.Error("Failed to create connection", "error", err)
			return nil, ErrServerError("failed to persist connection")
		}

		s.metrics().RecordConnectionEstablished(ctx, authState.Provider, false)
		s.auditor.LogConnectionEstablished(authState.UserID, authState.TenantID, authState.Provider, conn.ID, false)
		s.logger.Info("Connection established",
			"connection_id", conn.ID,
			"provider", authState.Provider)
		return conn, nil

	default:
		s.logger.Error("Failed to look up connection by identity", "error", err)
		return nil, ErrServerError("failed to persist connection")
	}
}

// envelopeError maps encryption failures onto the flow error taxonomy.
func (s *Service) envelopeError(err error) error {
	if errors.Is(err, security.ErrEnvelopeUnavailable) {
		s.logger.Error("Crypto envelope unavailable", "error", err)
		return ErrEncryptionUnavailable("token encryption is temporarily unavailable")
	}
	s.logger.Error("Token encryption failed", "error", err)
	return ErrServerError("failed to encrypt token material")
}

// generateState mints a cryptographically random state value.
func generateState() (string, error) {
	b := make([]byte, stateByteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
