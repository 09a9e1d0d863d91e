package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/oauth-connect/internal/testutil"
	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/providers/mock"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage"
	"github.com/relayforge/oauth-connect/storage/memory"
)

// testEnv bundles a service wired against in-memory infrastructure and
// a mock provider.
type testEnv struct {
	service  *Service
	store    *memory.Store
	provider *mock.MockProvider
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	cfg := &Config{
		PublicBaseURL: "https://connect.example.com",
		Security: SecurityConfig{
			EncryptionKey: key,
		},
		Jobs: JobsConfig{
			DisableJobs: true,
		},
		Logger: testutil.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewMockProvider()

	service, err := NewService(cfg, Dependencies{
		Store:     store,
		States:    store,
		Cache:     store,
		Providers: []providers.Provider{provider},
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(service.Close)

	return &testEnv{
		service:  service,
		store:    store,
		provider: provider,
	}
}

// completeFlowFor runs a full begin+callback flow for the given user and
// returns the established connection.
func (e *testEnv) completeFlowFor(t *testing.T, userID, tenantID string) *storage.Connection {
	t.Helper()
	ctx := context.Background()

	begin, err := e.service.BeginAuthorization(ctx, BeginAuthorizationRequest{
		UserID:   userID,
		TenantID: tenantID,
		Provider: "mock",
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	conn, err := e.service.CompleteAuthorization(ctx, "test-code", begin.State)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	return conn
}

func (e *testEnv) completeFlow(t *testing.T) *storage.Connection {
	t.Helper()
	return e.completeFlowFor(t, "user-1", "tenant-1")
}

// decrypt opens a stored ciphertext through the service's envelope.
func (e *testEnv) decrypt(t *testing.T, ciphertext string) string {
	t.Helper()
	plaintext, err := e.service.envelope.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	return plaintext
}

// assertFlowError fails unless err is a FlowError with the given code.
func assertFlowError(t *testing.T, err error, code string) *FlowError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected flow error %q, got nil", code)
	}
	ferr, ok := err.(*FlowError)
	if !ok {
		t.Fatalf("expected *FlowError, got %T: %v", err, err)
	}
	if ferr.Code != code {
		t.Fatalf("error code = %q, want %q", ferr.Code, code)
	}
	return ferr
}

func TestNewService_RequiresStore(t *testing.T) {
	key, _ := security.GenerateKey()
	cfg := &Config{
		PublicBaseURL: "https://connect.example.com",
		Security:      SecurityConfig{EncryptionKey: key},
		Logger:        testutil.DiscardLogger(),
	}

	_, err := NewService(cfg, Dependencies{
		States:    memory.New(),
		Providers: []providers.Provider{mock.NewMockProvider()},
	})
	if err == nil {
		t.Fatal("NewService() without a store should fail")
	}
}

func TestNewService_RequiresProvider(t *testing.T) {
	key, _ := security.GenerateKey()
	cfg := &Config{
		PublicBaseURL: "https://connect.example.com",
		Security:      SecurityConfig{EncryptionKey: key},
		Logger:        testutil.DiscardLogger(),
	}

	store := memory.New()
	defer store.Stop()

	_, err := NewService(cfg, Dependencies{Store: store, States: store})
	if err == nil {
		t.Fatal("NewService() without providers should fail")
	}
}

func TestNewService_RejectsDuplicateProvider(t *testing.T) {
	key, _ := security.GenerateKey()
	cfg := &Config{
		PublicBaseURL: "https://connect.example.com",
		Security:      SecurityConfig{EncryptionKey: key},
		Logger:        testutil.DiscardLogger(),
	}

	store := memory.New()
	defer store.Stop()

	_, err := NewService(cfg, Dependencies{
		Store:     store,
		States:    store,
		Providers: []providers.Provider{mock.NewMockProvider(), mock.NewMockProvider()},
	})
	if err == nil {
		t.Fatal("NewService() with duplicate provider names should fail")
	}
}

func TestService_Providers(t *testing.T) {
	env := newTestEnv(t)

	names := env.service.Providers()
	if len(names) != 1 || names[0] != "mock" {
		t.Errorf("Providers() = %v, want [mock]", names)
	}
}

func TestGetOwnedConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	ctx := context.Background()

	summary, err := env.service.GetOwnedConnection(ctx, conn.ID, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("GetOwnedConnection() error = %v", err)
	}
	if summary.ID != conn.ID {
		t.Errorf("ID = %q, want %q", summary.ID, conn.ID)
	}

	// A foreign connection reads as not found so the endpoint never
	// confirms IDs across owners.
	_, err = env.service.GetOwnedConnection(ctx, conn.ID, "someone-else", "tenant-1")
	assertFlowError(t, err, ErrorCodeConnectionNotFound)
}

func TestListConnections(t *testing.T) {
	env := newTestEnv(t)
	env.completeFlow(t)
	env.completeFlowFor(t, "user-2", "tenant-1")

	conns, err := env.service.ListConnections(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("ListConnections() error = %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("ListConnections() returned %d connections, want 1", len(conns))
	}
	if conns[0].Status != string(storage.StatusActive) {
		t.Errorf("status = %q, want %q", conns[0].Status, storage.StatusActive)
	}
}

func TestConnectionSummary_NeverCarriesTokens(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)

	summary, err := env.service.GetConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}

	if summary.ID != conn.ID || summary.Provider != "mock" {
		t.Errorf("summary = %+v, want id %q provider mock", summary, conn.ID)
	}
	if summary.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be populated")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	conn := env.completeFlow(t)
	env.completeFlowFor(t, "user-2", "tenant-1")
	ctx := context.Background()

	if err := env.service.Revoke(ctx, conn.ID, "admin", "test"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	stats, err := env.service.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByStatus["active"] != 1 {
		t.Errorf("ByStatus[active] = %d, want 1", stats.ByStatus["active"])
	}
	if stats.ByStatus["revoked"] != 1 {
		t.Errorf("ByStatus[revoked] = %d, want 1", stats.ByStatus["revoked"])
	}
	if stats.ByProvider["mock"] != 2 {
		t.Errorf("ByProvider[mock] = %d, want 2", stats.ByProvider["mock"])
	}
}

func TestStartAndClose_Idempotent(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Jobs.DisableJobs = false
		cfg.Jobs.RefreshInterval = time.Hour
		cfg.Jobs.HealthCheckInterval = time.Hour
	})

	env.service.Start()
	env.service.Start()
	env.service.Close()
	env.service.Close()
}
