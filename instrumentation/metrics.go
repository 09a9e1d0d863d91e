package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the connection manager
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization Flow Metrics
	AuthorizationStarted  metric.Int64Counter
	CallbackProcessed     metric.Int64Counter
	ConnectionEstablished metric.Int64Counter

	// Token Lifecycle Metrics
	TokenServed    metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	RefreshFailed  metric.Int64Counter
	TokenRevoked   metric.Int64Counter

	// Health Monitoring Metrics
	HealthChecksTotal metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	StateRejected        metric.Int64Counter
	InternalAuthFailures metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageConnectionsCount  metric.Int64ObservableGauge
	StorageStatesCount       metric.Int64ObservableGauge
	StorageCachedTokensCount metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	flowMeter := inst.Meter("flow")
	tokenMeter := inst.Meter("tokens")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = flowMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = flowMeter.Int64Counter(
		"oauth.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.ConnectionEstablished, err = flowMeter.Int64Counter(
		"oauth.connection.established",
		metric.WithDescription("Number of connections established or re-authorized"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection.established counter: %w", err)
	}

	m.TokenServed, err = tokenMeter.Int64Counter(
		"oauth.token.served",
		metric.WithDescription("Number of access tokens served to callers"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.served counter: %w", err)
	}

	m.TokenRefreshed, err = tokenMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RefreshFailed, err = tokenMeter.Int64Counter(
		"oauth.token.refresh_failed",
		metric.WithDescription("Number of failed token refresh attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refresh_failed counter: %w", err)
	}

	m.TokenRevoked, err = tokenMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of connections revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.HealthChecksTotal, err = tokenMeter.Int64Counter(
		"oauth.health_check.total",
		metric.WithDescription("Number of connection liveness probes performed"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create health_check.total counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StateRejected, err = securityMeter.Int64Counter(
		"oauth.state.rejected",
		metric.WithDescription("Number of callbacks rejected for unknown, expired, or reused state"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.rejected counter: %w", err)
	}

	m.InternalAuthFailures, err = securityMeter.Int64Counter(
		"oauth.internal_auth.failures",
		metric.WithDescription("Number of internal API authentication failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create internal_auth.failures counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageConnectionsCount, err = storageMeter.Int64ObservableGauge(
		"storage.connections.count",
		metric.WithDescription("Current number of stored connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.connections.count gauge: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"storage.states.count",
		metric.WithDescription("Current number of pending authorization states"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.StorageCachedTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.cached_tokens.count",
		metric.WithDescription("Current number of cached decrypted tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.cached_tokens.count gauge: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"oauth.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = securityMeter.Float64Histogram(
		"oauth.encryption.duration",
		metric.WithDescription("Encryption/decryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization flow start
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, provider string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCallbackProcessed records a provider callback processing
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordConnectionEstablished records a new or re-authorized connection
func (m *Metrics) RecordConnectionEstablished(ctx context.Context, provider string, reauthorized bool) {
	m.ConnectionEstablished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("reauthorized", reauthorized),
	))
}

// RecordTokenServed records an access token handed to a caller.
// Source is "cache", "store", or "refresh".
func (m *Metrics) RecordTokenServed(ctx context.Context, provider, source string) {
	m.TokenServed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("source", source),
	))
}

// RecordTokenRefresh records a successful token refresh.
// Trigger is "inline", "background", or "forced".
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider, trigger string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("trigger", trigger),
		attribute.Bool("rotated", rotated),
	))
}

// RecordRefreshFailed records a failed refresh attempt.
// Reason is "temporary", "grant_revoked", or "conflict".
func (m *Metrics) RecordRefreshFailed(ctx context.Context, provider, reason string) {
	m.RefreshFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordTokenRevocation records a connection revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, provider string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordHealthCheck records a liveness probe result
func (m *Metrics) RecordHealthCheck(ctx context.Context, provider string, healthy bool) {
	m.HealthChecksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("healthy", healthy),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStateRejected records a rejected callback state
func (m *Metrics) RecordStateRejected(ctx context.Context, provider string) {
	m.StateRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordInternalAuthFailure records a failed internal API authentication
func (m *Metrics) RecordInternalAuthFailure(ctx context.Context) {
	m.InternalAuthFailures.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		))
	}
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}
