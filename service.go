// Package oauth implements an OAuth connection and token lifecycle
// manager: it brokers authorization-code flows with third-party
// providers, stores the resulting grants encrypted at rest, and keeps
// them usable through refresh, health monitoring, and revocation.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relayforge/oauth-connect/instrumentation"
	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage"
)

// Dependencies carries the infrastructure a Service needs. Store,
// States, and at least one provider are required; Cache and
// Instrumentation are optional.
type Dependencies struct {
	// Store is the durable connection repository.
	Store storage.ConnectionStore

	// States holds pending authorization state.
	States storage.StateStore

	// Cache is the decrypted-token cache. Nil disables caching.
	Cache storage.TokenCache

	// Envelope encrypts token material at rest. When nil, a local
	// AES-256-GCM envelope is built from Config.Security.EncryptionKey.
	Envelope security.Envelope

	// Providers are the adapters to register, keyed by their Name().
	Providers []providers.Provider

	// Instrumentation provides metrics and tracing. Nil gets a disabled
	// no-op instance.
	Instrumentation *instrumentation.Instrumentation
}

// Service is the connection manager. It owns the authorization flow,
// the token service, and the background refresh and health loops.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	store     storage.ConnectionStore
	states    storage.StateStore
	cache     storage.TokenCache
	envelope  security.Envelope
	providers map[string]providers.Provider

	auditor *security.Auditor
	inst    *instrumentation.Instrumentation

	// refreshGroup collapses concurrent refreshes of the same connection
	// into a single provider call.
	refreshGroup singleflight.Group

	// now is the time source, swappable in tests.
	now func() time.Time

	jobsCancel context.CancelFunc
	jobsWG     sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
}

// NewService creates a Service from validated configuration and wiring.
func NewService(cfg *Config, deps Dependencies) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("connection store is required")
	}
	if deps.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if len(deps.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	envelope := deps.Envelope
	if envelope == nil {
		var err error
		envelope, err = security.NewAESEnvelope(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create crypto envelope: %w", err)
		}
	}

	inst := deps.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	registry := make(map[string]providers.Provider, len(deps.Providers))
	for _, p := range deps.Providers {
		name := p.Name()
		if _, dup := registry[name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", name)
		}
		registry[name] = newInstrumentedProvider(p, inst)
	}

	s := &Service{
		cfg:       cfg,
		logger:    cfg.Logger,
		store:     newInstrumentedStore(deps.Store, inst),
		states:    deps.States,
		cache:     deps.Cache,
		envelope:  newInstrumentedEnvelope(envelope, inst),
		providers: registry,
		auditor:   security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging),
		inst:      inst,
		now:       time.Now,
	}

	return s, nil
}

// Start launches the background refresh scheduler and health monitor.
// Safe to call once; subsequent calls are no-ops.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		if s.cfg.Jobs.DisableJobs {
			s.logger.Info("Background jobs disabled")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.jobsCancel = cancel

		if s.cfg.Jobs.RefreshInterval > 0 {
			s.jobsWG.Add(1)
			go s.refreshLoop(ctx)
		}
		if s.cfg.Jobs.HealthCheckInterval > 0 {
			s.jobsWG.Add(1)
			go s.healthLoop(ctx)
		}
	})
}

// Close stops the background loops and waits for them to drain.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.jobsCancel != nil {
			s.jobsCancel()
		}
		s.jobsWG.Wait()
	})
}

// Providers returns the names of all registered providers.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

// provider resolves a registered adapter by name.
func (s *Service) provider(name string) (providers.Provider, *FlowError) {
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnsupportedProvider(name)
	}
	return p, nil
}

// metrics is a shorthand for the instrument holder.
func (s *Service) metrics() *instrumentation.Metrics {
	return s.inst.Metrics()
}

// providerCtx derives a timeout-bounded context for a provider call.
func (s *Service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Tokens.ProviderTimeout)
}

// ListConnections returns the caller's connections, newest first.
func (s *Service) ListConnections(ctx context.Context, userID, tenantID string) ([]ConnectionSummary, error) {
	conns, err := s.store.ListByOwner(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	out := make([]ConnectionSummary, 0, len(conns))
	for _, conn := range conns {
		out = append(out, summarizeConnection(conn))
	}
	return out, nil
}

// GetConnection returns the token-free view of a single connection.
func (s *Service) GetConnection(ctx context.Context, id string) (*ConnectionSummary, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound("no such connection")
		}
		return nil, ErrServerError("failed to load connection")
	}
	summary := summarizeConnection(conn)
	return &summary, nil
}

// GetOwnedConnection returns a connection only if it belongs to the
// given caller. A connection owned by someone else reads as not found,
// so the endpoint never confirms foreign connection IDs.
func (s *Service) GetOwnedConnection(ctx context.Context, id, userID, tenantID string) (*ConnectionSummary, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound("no such connection")
		}
		return nil, ErrServerError("failed to load connection")
	}
	if conn.UserID != userID || conn.TenantID != tenantID {
		return nil, ErrConnectionNotFound("no such connection")
	}
	summary := summarizeConnection(conn)
	return &summary, nil
}

// Stats returns aggregate connection counts for the admin surface.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	resp := statsResponse(st)
	return &resp, nil
}
