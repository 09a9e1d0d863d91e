package oauth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relayforge/oauth-connect/instrumentation"
	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage"
)

// The service wraps its repository, crypto envelope, and provider
// adapters in instrumented decorators, so every backend reports spans
// and duration metrics the same way without carrying instrumentation
// itself.

// instrumentedStore decorates a ConnectionStore with per-operation
// spans and duration metrics.
type instrumentedStore struct {
	inner  storage.ConnectionStore
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

var _ storage.ConnectionStore = (*instrumentedStore)(nil)

func newInstrumentedStore(inner storage.ConnectionStore, inst *instrumentation.Instrumentation) *instrumentedStore {
	return &instrumentedStore{
		inner:  inner,
		inst:   inst,
		tracer: inst.Tracer("storage"),
	}
}

// observe starts a storage span and returns the completion callback
// that ends it and records the operation's duration and result.
func (s *instrumentedStore) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "connections")
	start := time.Now()

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
		s.inst.Metrics().RecordStorageOperation(ctx, operation, result,
			float64(time.Since(start).Milliseconds()))
	}
}

func (s *instrumentedStore) CreateConnection(ctx context.Context, conn *storage.Connection) error {
	ctx, done := s.observe(ctx, "create_connection")
	err := s.inner.CreateConnection(ctx, conn)
	done(err)
	return err
}

func (s *instrumentedStore) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	ctx, done := s.observe(ctx, "get_connection")
	conn, err := s.inner.GetConnection(ctx, id)
	done(err)
	return conn, err
}

func (s *instrumentedStore) FindByIdentity(ctx context.Context, id storage.Identity) (*storage.Connection, error) {
	ctx, done := s.observe(ctx, "find_by_identity")
	conn, err := s.inner.FindByIdentity(ctx, id)
	done(err)
	return conn, err
}

func (s *instrumentedStore) UpdateConnection(ctx context.Context, conn *storage.Connection, expectedVersion int64) error {
	ctx, done := s.observe(ctx, "update_connection")
	err := s.inner.UpdateConnection(ctx, conn, expectedVersion)
	done(err)
	return err
}

func (s *instrumentedStore) ListByOwner(ctx context.Context, userID, tenantID string) ([]*storage.Connection, error) {
	ctx, done := s.observe(ctx, "list_by_owner")
	conns, err := s.inner.ListByOwner(ctx, userID, tenantID)
	done(err)
	return conns, err
}

func (s *instrumentedStore) ListActive(ctx context.Context) ([]*storage.Connection, error) {
	ctx, done := s.observe(ctx, "list_active")
	conns, err := s.inner.ListActive(ctx)
	done(err)
	return conns, err
}

func (s *instrumentedStore) ListExpiring(ctx context.Context, cutoff time.Time) ([]*storage.Connection, error) {
	ctx, done := s.observe(ctx, "list_expiring")
	conns, err := s.inner.ListExpiring(ctx, cutoff)
	done(err)
	return conns, err
}

func (s *instrumentedStore) Stats(ctx context.Context) (*storage.Stats, error) {
	ctx, done := s.observe(ctx, "stats")
	stats, err := s.inner.Stats(ctx)
	done(err)
	return stats, err
}

// instrumentedProvider decorates a provider adapter with spans and API
// call metrics around every remote operation. Name and AuthorizationURL
// are local and pass through via the embedded adapter.
type instrumentedProvider struct {
	providers.Provider
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

func newInstrumentedProvider(inner providers.Provider, inst *instrumentation.Instrumentation) *instrumentedProvider {
	return &instrumentedProvider{
		Provider: inner,
		inst:     inst,
		tracer:   inst.Tracer("provider"),
	}
}

func (p *instrumentedProvider) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := p.tracer.Start(ctx, "provider."+operation)
	instrumentation.AddProviderAttributes(span, p.Provider.Name(), operation)
	start := time.Now()

	return ctx, func(err error) {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
		p.inst.Metrics().RecordProviderAPICall(ctx, p.Provider.Name(), operation,
			float64(time.Since(start).Milliseconds()), err)
	}
}

func (p *instrumentedProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
	ctx, done := p.observe(ctx, "exchange")
	token, err := p.Provider.ExchangeCode(ctx, code, redirectURI)
	done(err)
	return token, err
}

func (p *instrumentedProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.Token, error) {
	ctx, done := p.observe(ctx, "refresh")
	token, err := p.Provider.RefreshToken(ctx, refreshToken)
	done(err)
	return token, err
}

func (p *instrumentedProvider) CheckLiveness(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
	ctx, done := p.observe(ctx, "liveness")
	result, err := p.Provider.CheckLiveness(ctx, accessToken)
	done(err)
	return result, err
}

func (p *instrumentedProvider) RevokeToken(ctx context.Context, token string) error {
	ctx, done := p.observe(ctx, "revoke")
	err := p.Provider.RevokeToken(ctx, token)
	done(err)
	return err
}

// instrumentedEnvelope decorates an Envelope with duration metrics, so
// a slow or remote key service shows up in the encryption histograms.
type instrumentedEnvelope struct {
	inner security.Envelope
	inst  *instrumentation.Instrumentation
}

var _ security.Envelope = (*instrumentedEnvelope)(nil)

func newInstrumentedEnvelope(inner security.Envelope, inst *instrumentation.Instrumentation) *instrumentedEnvelope {
	return &instrumentedEnvelope{inner: inner, inst: inst}
}

func (e *instrumentedEnvelope) Encrypt(ctx context.Context, plaintext string) (string, error) {
	start := time.Now()
	ciphertext, err := e.inner.Encrypt(ctx, plaintext)
	e.inst.Metrics().RecordEncryptionOperation(ctx, "encrypt",
		float64(time.Since(start).Milliseconds()))
	return ciphertext, err
}

func (e *instrumentedEnvelope) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	start := time.Now()
	plaintext, err := e.inner.Decrypt(ctx, ciphertext)
	e.inst.Metrics().RecordEncryptionOperation(ctx, "decrypt",
		float64(time.Since(start).Milliseconds()))
	return plaintext, err
}
