package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/storage"
)

// exchangeWithRefreshToken makes each flow hand out a distinguishable
// refresh token so per-connection provider behavior can be scripted.
func exchangeWithRefreshToken(env *testEnv, refreshToken string, ttl time.Duration) {
	env.provider.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "access-for-" + refreshToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(ttl),
		}, nil
	}
}

func TestRunRefreshPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two connections inside the look-ahead window, one comfortably out.
	exchangeWithRefreshToken(env, "refresh-alice", 2*time.Minute)
	alice := env.completeFlowFor(t, "alice", "tenant-1")

	exchangeWithRefreshToken(env, "refresh-bob", 2*time.Minute)
	bob := env.completeFlowFor(t, "bob", "tenant-1")

	exchangeWithRefreshToken(env, "refresh-carol", time.Hour)
	carol := env.completeFlowFor(t, "carol", "tenant-1")

	env.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		if refreshToken == "refresh-bob" {
			return nil, providers.NewError("mock", "refresh", errors.New("invalid_grant"), true, false)
		}
		return &providers.Token{
			AccessToken:  "refreshed-" + refreshToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	env.service.runRefreshPass(ctx)

	// Alice was refreshed despite Bob's failure.
	got, err := env.store.GetConnection(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetConnection(alice) error = %v", err)
	}
	if got.LastRefreshedAt.IsZero() {
		t.Error("alice should have been refreshed")
	}
	if dec := env.decrypt(t, got.EncryptedAccessToken); dec != "refreshed-refresh-alice" {
		t.Errorf("alice access token = %q", dec)
	}

	// Bob's revoked grant moved the connection to error.
	got, err = env.store.GetConnection(ctx, bob.ID)
	if err != nil {
		t.Fatalf("GetConnection(bob) error = %v", err)
	}
	if got.Status != storage.StatusError {
		t.Errorf("bob status = %q, want error", got.Status)
	}

	// Carol was not due and stayed untouched.
	got, err = env.store.GetConnection(ctx, carol.ID)
	if err != nil {
		t.Fatalf("GetConnection(carol) error = %v", err)
	}
	if !got.LastRefreshedAt.IsZero() {
		t.Error("carol was not due for refresh")
	}
}

func TestRunHealthPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.completeFlowFor(t, "alice", "tenant-1")
	env.completeFlowFor(t, "bob", "tenant-1")

	env.service.runHealthPass(ctx)

	if got := env.provider.GetCallCount("CheckLiveness"); got != 2 {
		t.Errorf("CheckLiveness calls = %d, want 2", got)
	}
}

func TestCheckConnectionHealth_Healthy(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	result, err := env.service.CheckConnectionHealth(ctx, conn.ID)
	if err != nil {
		t.Fatalf("CheckConnectionHealth() error = %v", err)
	}
	if !result.Healthy {
		t.Errorf("Healthy = false, want true (reason %q)", result.Reason)
	}

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.HealthCheckStatus != storage.HealthHealthy {
		t.Errorf("HealthCheckStatus = %q, want healthy", stored.HealthCheckStatus)
	}
	if stored.LastHealthCheckAt.IsZero() {
		t.Error("LastHealthCheckAt should be recorded")
	}
}

func TestCheckConnectionHealth_Unhealthy(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.CheckLivenessFunc = func(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
		return &providers.LivenessResult{Healthy: false, Reason: "token rejected"}, nil
	}

	result, err := env.service.CheckConnectionHealth(ctx, conn.ID)
	if err != nil {
		t.Fatalf("CheckConnectionHealth() error = %v", err)
	}
	if result.Healthy {
		t.Error("Healthy = true, want false")
	}
	if result.Reason != "token rejected" {
		t.Errorf("Reason = %q, want token rejected", result.Reason)
	}

	// Health checks are diagnostic; the lifecycle status is untouched.
	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.Status != storage.StatusActive {
		t.Errorf("status = %q, want active", stored.Status)
	}
	if stored.HealthCheckStatus != storage.HealthUnhealthy {
		t.Errorf("HealthCheckStatus = %q, want unhealthy", stored.HealthCheckStatus)
	}
	if stored.HealthCheckError != "token rejected" {
		t.Errorf("HealthCheckError = %q, want token rejected", stored.HealthCheckError)
	}
}

func TestCheckConnectionHealth_ProbeFailure(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	env.provider.CheckLivenessFunc = func(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
		return nil, errors.New("network down")
	}

	// A failed probe says nothing about the token: it surfaces as an
	// error and leaves the stored health observation alone.
	_, err := env.service.CheckConnectionHealth(ctx, conn.ID)
	assertFlowError(t, err, ErrorCodeExchangeFailed)

	stored, err := env.store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if stored.HealthCheckStatus != "" {
		t.Errorf("HealthCheckStatus = %q, want unset", stored.HealthCheckStatus)
	}
	if !stored.LastHealthCheckAt.IsZero() {
		t.Error("LastHealthCheckAt should stay unset after a failed probe")
	}
}

func TestCheckConnectionHealth_InactiveConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	if err := env.service.Revoke(ctx, conn.ID, "admin", "test"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	env.provider.ResetCallCounts()

	result, err := env.service.CheckConnectionHealth(ctx, conn.ID)
	if err != nil {
		t.Fatalf("CheckConnectionHealth() error = %v", err)
	}
	if result.Healthy {
		t.Error("a revoked connection can never be healthy")
	}
	if env.provider.GetCallCount("CheckLiveness") != 0 {
		t.Error("no provider probe should run for an inactive connection")
	}
}

func TestCheckConnectionHealth_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.CheckConnectionHealth(context.Background(), "missing")
	assertFlowError(t, err, ErrorCodeConnectionNotFound)
}
