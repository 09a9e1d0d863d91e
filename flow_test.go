package oauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/oauth-connect/providers"
)

func TestBeginAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "mock",
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	if resp.State == "" {
		t.Fatal("state should not be empty")
	}
	if !strings.Contains(resp.AuthorizationURL, resp.State) {
		t.Errorf("authorization URL %q should contain state %q", resp.AuthorizationURL, resp.State)
	}
	if time.Until(resp.ExpiresAt) > DefaultStateTTL || time.Until(resp.ExpiresAt) < DefaultStateTTL-time.Minute {
		t.Errorf("state expiry %v not within the default TTL", resp.ExpiresAt)
	}

	// The state must be persisted and bound to the caller.
	saved, err := env.store.ConsumeState(ctx, resp.State)
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if saved.UserID != "user-1" || saved.TenantID != "tenant-1" || saved.Provider != "mock" {
		t.Errorf("saved state = %+v, want user-1/tenant-1/mock", saved)
	}
	if saved.RedirectURI != "https://connect.example.com/oauth/mock/callback" {
		t.Errorf("redirect URI = %q", saved.RedirectURI)
	}
}

func TestBeginAuthorization_StatesAreUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		resp, err := env.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
			UserID:   "user-1",
			TenantID: "tenant-1",
			Provider: "mock",
		})
		if err != nil {
			t.Fatalf("BeginAuthorization() error = %v", err)
		}
		if seen[resp.State] {
			t.Fatalf("state %q issued twice", resp.State)
		}
		seen[resp.State] = true
	}
}

func TestBeginAuthorization_MissingIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.BeginAuthorization(context.Background(), BeginAuthorizationRequest{
		Provider: "mock",
	})
	assertFlowError(t, err, ErrorCodeInvalidRequest)
}

func TestBeginAuthorization_UnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.BeginAuthorization(context.Background(), BeginAuthorizationRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "github",
	})
	assertFlowError(t, err, ErrorCodeUnsupportedProvider)
}

func TestBeginAuthorization_PassesOptionsToProvider(t *testing.T) {
	env := newTestEnv(t)

	var gotOpts *providers.AuthOptions
	env.provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		gotOpts = opts
		return "https://mock.example.com/authorize?state=" + state
	}

	_, err := env.service.BeginAuthorization(context.Background(), BeginAuthorizationRequest{
		UserID:    "user-1",
		TenantID:  "tenant-1",
		Provider:  "mock",
		Scopes:    []string{"custom.scope"},
		LoginHint: "user@example.com",
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	if gotOpts == nil {
		t.Fatal("provider did not receive auth options")
	}
	if gotOpts.RedirectURI != "https://connect.example.com/oauth/mock/callback" {
		t.Errorf("RedirectURI = %q", gotOpts.RedirectURI)
	}
	if len(gotOpts.Scopes) != 1 || gotOpts.Scopes[0] != "custom.scope" {
		t.Errorf("Scopes = %v, want [custom.scope]", gotOpts.Scopes)
	}
	if gotOpts.LoginHint != "user@example.com" {
		t.Errorf("LoginHint = %q", gotOpts.LoginHint)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		if code != "test-code" {
			t.Errorf("code = %q, want test-code", code)
		}
		if redirectURI != "https://connect.example.com/oauth/mock/callback" {
			t.Errorf("redirectURI = %q", redirectURI)
		}
		return &providers.Token{
			AccessToken:    "plain-access",
			RefreshToken:   "plain-refresh",
			TokenType:      "Bearer",
			Scopes:         []string{"mock.read"},
			ExpiresAt:      time.Now().Add(time.Hour),
			ProviderUserID: "mock-user-123",
			Email:          "mock@example.com",
		}, nil
	}

	conn := env.completeFlow(t)

	if conn.Status != "active" {
		t.Errorf("status = %q, want active", conn.Status)
	}
	if conn.ID == "" {
		t.Error("connection ID should be assigned")
	}
	if conn.Version != 1 {
		t.Errorf("version = %d, want 1", conn.Version)
	}

	// Tokens are stored encrypted, never as plaintext.
	if conn.EncryptedAccessToken == "plain-access" {
		t.Error("access token stored in plaintext")
	}
	if got := env.decrypt(t, conn.EncryptedAccessToken); got != "plain-access" {
		t.Errorf("decrypted access token = %q, want plain-access", got)
	}
	if got := env.decrypt(t, conn.EncryptedRefreshToken); got != "plain-refresh" {
		t.Errorf("decrypted refresh token = %q, want plain-refresh", got)
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.ProviderUserID != "mock-user-123" || stored.Email != "mock@example.com" {
		t.Errorf("stored identity = %q/%q", stored.ProviderUserID, stored.Email)
	}
}

func TestCompleteAuthorization_StateIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	begin, err := env.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "mock",
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	if _, err := env.service.CompleteAuthorization(ctx, "code", begin.State); err != nil {
		t.Fatalf("first CompleteAuthorization() error = %v", err)
	}

	// Replaying the same state must be rejected.
	_, err = env.service.CompleteAuthorization(ctx, "code", begin.State)
	assertFlowError(t, err, ErrorCodeInvalidState)
}

func TestCompleteAuthorization_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.CompleteAuthorization(context.Background(), "code", "never-issued")
	assertFlowError(t, err, ErrorCodeInvalidState)
}

func TestCompleteAuthorization_MissingParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.CompleteAuthorization(ctx, "", "some-state")
	assertFlowError(t, err, ErrorCodeInvalidRequest)

	_, err = env.service.CompleteAuthorization(ctx, "some-code", "")
	assertFlowError(t, err, ErrorCodeInvalidRequest)
}

func TestCompleteAuthorization_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return nil, errors.New("invalid_grant")
	}

	begin, err := env.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "mock",
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	_, err = env.service.CompleteAuthorization(ctx, "bad-code", begin.State)
	assertFlowError(t, err, ErrorCodeExchangeFailed)

	// No connection may be created or mutated on a failed exchange.
	stats, err := env.service.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0 after failed exchange", stats.Total)
	}

	// The state was still consumed; retrying requires a fresh flow.
	_, err = env.service.CompleteAuthorization(ctx, "bad-code", begin.State)
	assertFlowError(t, err, ErrorCodeInvalidState)
}

func TestCompleteAuthorization_Reauthorize(t *testing.T) {
	env := newTestEnv(t)

	first := env.completeFlow(t)
	second := env.completeFlow(t)

	// Re-authorizing a live connection updates the record in place.
	if second.ID != first.ID {
		t.Errorf("re-authorization created a new record: %q != %q", second.ID, first.ID)
	}
	if second.Version <= first.Version {
		t.Errorf("version = %d, want > %d", second.Version, first.Version)
	}

	stats, err := env.service.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
}

func TestCompleteAuthorization_ReauthorizeKeepsRefreshToken(t *testing.T) {
	env := newTestEnv(t)

	first := env.completeFlow(t)

	// The second grant arrives without a refresh token; the stored one
	// must survive.
	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken: "second-access",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}
	second := env.completeFlow(t)

	if second.EncryptedRefreshToken != first.EncryptedRefreshToken {
		t.Error("stored refresh token should be preserved when the new grant has none")
	}
	if got := env.decrypt(t, second.EncryptedAccessToken); got != "second-access" {
		t.Errorf("decrypted access token = %q, want second-access", got)
	}
}

func TestCompleteAuthorization_AfterRevokeCreatesNewRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.completeFlow(t)
	if err := env.service.Revoke(ctx, first.ID, "admin", "cleanup"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	second := env.completeFlow(t)

	// The revoked record stays for audit; a fresh one takes over.
	if second.ID == first.ID {
		t.Error("re-authorization after revoke must create a new record")
	}

	old, err := env.store.GetConnection(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if old.Status != "revoked" {
		t.Errorf("old record status = %q, want revoked", old.Status)
	}

	stats, err := env.service.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
}

func TestCompleteAuthorization_ScopesFallBackToRequested(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken: "access",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}

	begin, err := env.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Provider: "mock",
		Scopes:   []string{"requested.scope"},
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	conn, err := env.service.CompleteAuthorization(ctx, "code", begin.State)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	if len(conn.Scopes) != 1 || conn.Scopes[0] != "requested.scope" {
		t.Errorf("Scopes = %v, want [requested.scope]", conn.Scopes)
	}
}
