package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only log
// metadata such as connection IDs, providers, expiry times, and outcomes.
// Traces are persisted for extended periods, replicated across monitoring
// infrastructure, and often accessible to wider audiences than production
// systems.
const (
	// Connection and flow attributes - SAFE to use for metadata only
	AttrConnectionID  = "oauth.connection_id"  // Connection identifier (non-secret)
	AttrUserID        = "oauth.user_id"        // Platform user identifier (non-secret)
	AttrTenantID      = "oauth.tenant_id"      // Tenant identifier (non-secret)
	AttrWorkspaceID   = "oauth.workspace_id"   // Provider workspace identifier (non-secret)
	AttrScope         = "oauth.scope"          // Requested or granted scopes
	AttrStatus        = "oauth.status"         // Connection status
	AttrReauthorized  = "oauth.reauthorized"   // Whether a callback replaced a revoked connection (boolean)
	AttrTokenRotated  = "oauth.token.rotated"  //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrTokenSource   = "oauth.token.source"   //nolint:gosec // Where a served token came from (cache, store, refresh)
	AttrRefreshReason = "oauth.refresh.reason" // What triggered a refresh (inline, background, forced)
	AttrExpiresIn     = "oauth.expires_in"     // Token expiry duration
	AttrError         = "oauth.error"          // Error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderErrorType = "provider.error_type"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrClientIP            = "security.client_ip"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddConnectionAttributes adds common connection attributes to a span (nil-safe)
func AddConnectionAttributes(span trace.Span, connectionID, provider, userID string) {
	if connectionID != "" {
		SetSpanAttributes(span, attribute.String(AttrConnectionID, connectionID))
	}
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProviderName, provider))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be PII. Check
// instrumentation.ShouldLogClientIPs() before calling this.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
