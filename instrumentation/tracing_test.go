package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestSpanHelpers_NilSafe(t *testing.T) {
	// All helpers must tolerate nil spans.
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	AddConnectionAttributes(nil, "conn-1", "google", "user-1")
	AddStorageAttributes(nil, "get_connection", "sqlite")
	AddProviderAttributes(nil, "google", "refresh")
	AddHTTPAttributes(nil, "GET", "/oauth/connections", 200)
	AddSecurityAttributes(nil, "203.0.113.7")
}

func TestSpanHelpers_WithSpan(t *testing.T) {
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	_, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	SetSpanSuccess(span)
	SetSpanError(span, "failed")
	AddConnectionAttributes(span, "conn-1", "google", "user-1")
	AddConnectionAttributes(span, "", "", "")
	AddStorageAttributes(span, "consume_state", "valkey")
	AddProviderAttributes(span, "slack", "liveness")
	AddHTTPAttributes(span, "DELETE", "/oauth/connections/{id}", 204)
	AddSecurityAttributes(span, "")
}
