package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/storage"
)

// shortLivedExchange makes the mock provider hand out tokens that are
// already inside the refresh look-ahead window.
func shortLivedExchange(env *testEnv) {
	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "short-access",
			RefreshToken: "short-refresh",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(2 * time.Minute),
		}, nil
	}
}

func TestGetAccessToken_FromStore(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)

	result, err := env.service.GetAccessToken(context.Background(), TokenRequest{ConnectionID: conn.ID})
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	if result.Source != "store" {
		t.Errorf("Source = %q, want store", result.Source)
	}
	if result.AccessToken != "mock-access-token" {
		t.Errorf("AccessToken = %q, want mock-access-token", result.AccessToken)
	}
	if result.ConnectionID != conn.ID {
		t.Errorf("ConnectionID = %q, want %q", result.ConnectionID, conn.ID)
	}
	if env.provider.GetCallCount("RefreshToken") != 0 {
		t.Error("a token outside the look-ahead window must not be refreshed")
	}
}

func TestGetAccessToken_FromCache(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	if _, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID}); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	result, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID})
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.Source != "cache" {
		t.Errorf("Source = %q, want cache", result.Source)
	}
	if result.AccessToken != "mock-access-token" {
		t.Errorf("AccessToken = %q, want mock-access-token", result.AccessToken)
	}
}

func TestGetAccessToken_ByIdentity(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)

	result, err := env.service.GetAccessToken(context.Background(), TokenRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "mock",
	})
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.ConnectionID != conn.ID {
		t.Errorf("ConnectionID = %q, want %q", result.ConnectionID, conn.ID)
	}
}

func TestGetAccessToken_MissingArguments(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.GetAccessToken(context.Background(), TokenRequest{UserID: "user-1"})
	assertFlowError(t, err, ErrorCodeInvalidRequest)
}

func TestGetAccessToken_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.GetAccessToken(context.Background(), TokenRequest{ConnectionID: "missing"})
	assertFlowError(t, err, ErrorCodeConnectionNotFound)
}

func TestGetAccessToken_RevokedConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	if err := env.service.Revoke(ctx, conn.ID, "admin", "test"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID})
	assertFlowError(t, err, ErrorCodeConnectionNotActive)
}

func TestGetAccessToken_InlineRefresh(t *testing.T) {
	env := newTestEnv(t)
	shortLivedExchange(env)
	conn := env.completeFlow(t)
	ctx := context.Background()

	result, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID})
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	if result.Source != "refresh" {
		t.Errorf("Source = %q, want refresh", result.Source)
	}
	if result.AccessToken != "new-mock-access-token" {
		t.Errorf("AccessToken = %q, want new-mock-access-token", result.AccessToken)
	}
	if env.provider.GetCallCount("RefreshToken") != 1 {
		t.Errorf("RefreshToken calls = %d, want 1", env.provider.GetCallCount("RefreshToken"))
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.LastRefreshedAt.IsZero() {
		t.Error("LastRefreshedAt should be recorded")
	}
	if got := env.decrypt(t, stored.EncryptedAccessToken); got != "new-mock-access-token" {
		t.Errorf("stored access token = %q, want new-mock-access-token", got)
	}
	if got := env.decrypt(t, stored.EncryptedRefreshToken); got != "new-mock-refresh-token" {
		t.Errorf("stored refresh token = %q, want new-mock-refresh-token", got)
	}
}

func TestGetAccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken: "short-access",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Minute),
		}, nil
	}
	conn := env.completeFlow(t)
	ctx := context.Background()

	_, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID})
	assertFlowError(t, err, ErrorCodeConnectionNotActive)

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusExpired {
		t.Errorf("status = %q, want expired", stored.Status)
	}
}

func TestRefreshConnection_Forced(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)

	// A forced refresh ignores the look-ahead window.
	result, err := env.service.RefreshConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("RefreshConnection() error = %v", err)
	}
	if result.Source != "refresh" {
		t.Errorf("Source = %q, want refresh", result.Source)
	}
	if env.provider.GetCallCount("RefreshToken") != 1 {
		t.Errorf("RefreshToken calls = %d, want 1", env.provider.GetCallCount("RefreshToken"))
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken: "rotated-access",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}

	if _, err := env.service.RefreshConnection(ctx, conn.ID); err != nil {
		t.Fatalf("RefreshConnection() error = %v", err)
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if got := env.decrypt(t, stored.EncryptedRefreshToken); got != "mock-refresh-token" {
		t.Errorf("stored refresh token = %q, want the original mock-refresh-token", got)
	}
}

func TestRefresh_GrantRevoked(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		return nil, providers.NewError("mock", "refresh", errors.New("invalid_grant"), true, false)
	}

	_, err := env.service.RefreshConnection(ctx, conn.ID)
	assertFlowError(t, err, ErrorCodeConnectionNotActive)

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}

	// Once errored, token requests fail fast without touching the
	// provider again.
	env.provider.ResetCallCounts()
	_, err = env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID})
	assertFlowError(t, err, ErrorCodeConnectionNotActive)
	if env.provider.GetCallCount("RefreshToken") != 0 {
		t.Error("errored connection must not trigger provider calls")
	}
}

func TestRefresh_TransientFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)

	var calls int
	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		calls++
		if calls < 3 {
			return nil, providers.NewError("mock", "refresh", errors.New("503"), false, true)
		}
		return &providers.Token{
			AccessToken:  "recovered-access",
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	result, err := env.service.RefreshConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("RefreshConnection() error = %v", err)
	}
	if result.AccessToken != "recovered-access" {
		t.Errorf("AccessToken = %q, want recovered-access", result.AccessToken)
	}
	if calls != 3 {
		t.Errorf("provider calls = %d, want 3", calls)
	}
}

func TestRefresh_TransientFailureExhausted(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		return nil, providers.NewError("mock", "refresh", errors.New("503"), false, true)
	}

	_, err := env.service.RefreshConnection(ctx, conn.ID)
	assertFlowError(t, err, ErrorCodeExchangeFailed)

	// Transient failures never change the lifecycle status.
	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusActive {
		t.Errorf("status = %q, want active", stored.Status)
	}
}

func TestRefresh_ConcurrentCallersShareOneProviderCall(t *testing.T) {
	env := newTestEnv(t)
	shortLivedExchange(env)
	conn := env.completeFlow(t)

	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		time.Sleep(50 * time.Millisecond)
		return &providers.Token{
			AccessToken:  "deduped-access",
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	const callers = 10
	start := make(chan struct{})
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			result, err := env.service.GetAccessToken(context.Background(), TokenRequest{ConnectionID: conn.ID})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = result.AccessToken
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "deduped-access" {
			t.Errorf("caller %d token = %q, want deduped-access", i, results[i])
		}
	}
	if got := env.provider.GetCallCount("RefreshToken"); got != 1 {
		t.Errorf("RefreshToken calls = %d, want 1", got)
	}
}

func TestRefresh_VersionConflictAdoptsCommittedToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	// Another writer commits between our provider call and our write.
	env.provider.RefreshTokenFunc = func(_ context.Context, refreshToken string) (*providers.Token, error) {
		current, err := env.store.GetConnection(ctx, conn.ID)
		if err != nil {
			t.Fatalf("GetConnection() error = %v", err)
		}
		enc, err := env.service.envelope.Encrypt(ctx, "committed-elsewhere")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		updated := current.Clone()
		updated.EncryptedAccessToken = enc
		updated.ExpiresAt = time.Now().Add(time.Hour)
		if err := env.store.UpdateConnection(ctx, updated, current.Version); err != nil {
			t.Fatalf("UpdateConnection() error = %v", err)
		}

		return &providers.Token{
			AccessToken:  "our-refresh-result",
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	result, err := env.service.RefreshConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("RefreshConnection() error = %v", err)
	}

	// The committed record wins; our provider result is discarded.
	if result.AccessToken != "committed-elsewhere" {
		t.Errorf("AccessToken = %q, want committed-elsewhere", result.AccessToken)
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	// Warm the cache so revocation has something to drop.
	if _, err := env.service.GetAccessToken(ctx, TokenRequest{ConnectionID: conn.ID}); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	if err := env.service.Revoke(ctx, conn.ID, "user:user-1", "revoked by owner"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusRevoked {
		t.Errorf("status = %q, want revoked", stored.Status)
	}
	if stored.RevokedBy != "user:user-1" || stored.RevokedReason != "revoked by owner" {
		t.Errorf("revocation fields = %q/%q", stored.RevokedBy, stored.RevokedReason)
	}
	if stored.RevokedAt.IsZero() {
		t.Error("RevokedAt should be recorded")
	}

	if _, err := env.store.GetToken(ctx, conn.ID); !errors.Is(err, storage.ErrCacheMiss) {
		t.Errorf("cached token should be invalidated, got err = %v", err)
	}

	if env.provider.GetCallCount("RevokeToken") != 1 {
		t.Errorf("RevokeToken calls = %d, want 1", env.provider.GetCallCount("RevokeToken"))
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	if err := env.service.Revoke(ctx, conn.ID, "admin", "first"); err != nil {
		t.Fatalf("first Revoke() error = %v", err)
	}
	if err := env.service.Revoke(ctx, conn.ID, "admin", "second"); err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}

	// The second call is a no-op: no second provider revocation, and the
	// original revocation metadata survives.
	if env.provider.GetCallCount("RevokeToken") != 1 {
		t.Errorf("RevokeToken calls = %d, want 1", env.provider.GetCallCount("RevokeToken"))
	}
	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.RevokedReason != "first" {
		t.Errorf("RevokedReason = %q, want first", stored.RevokedReason)
	}
}

func TestRevoke_NotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.service.Revoke(context.Background(), "missing", "admin", "test")
	assertFlowError(t, err, ErrorCodeConnectionNotFound)
}

func TestRevoke_ProviderFailureStillRevokesLocally(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.RevokeTokenFunc = func(ctx context.Context, token string) error {
		return errors.New("provider unreachable")
	}

	if err := env.service.Revoke(ctx, conn.ID, "admin", "test"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusRevoked {
		t.Errorf("status = %q, want revoked", stored.Status)
	}
}
