// Package instrumentation provides OpenTelemetry metrics and tracing for
// the connection manager.
//
// The package wraps OpenTelemetry meter and tracer providers behind a
// single Instrumentation type. When disabled it swaps in no-op providers,
// so call sites never need nil checks and disabled instrumentation costs
// nothing.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "oauth-connect",
//	    ServiceVersion: "1.0.0",
//	    Enabled:        true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown(ctx)
//
//	inst.Metrics().RecordTokenRefresh(ctx, "google", "inline", true)
//
// # Metric scopes
//
// Instruments are grouped by layer: http, flow, tokens, security, storage,
// and provider. Each scope maps to a named meter so exporters can slice by
// component.
//
// # Sensitive data
//
// No instrument or span attribute ever carries token material. Attribute
// helpers in tracing.go accept identifiers and outcomes only; the reserved
// names document which keys must never hold real credentials.
package instrumentation
