// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the oauth-playground flow engine.
//
// # Quick Start
//
// Enable instrumentation and pass it to the engine configuration:
//
//	import "github.com/curtismu7/oauth-playground/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-playground",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
// When Enabled is true and no providers are supplied, the global otel
// providers are used, so the application controls exporter wiring (stdout,
// OTLP, Prometheus bridge). When Enabled is false every instrument is a
// no-op with zero overhead.
//
// # Available Metrics
//
// Flow engine:
//   - flow.starts{flow_type, spec_version} - Authorization flows started
//   - flow.authorization_urls{flow_type, response_mode} - Authorization URLs built
//   - flow.par_pushes{outcome} - Pushed authorization requests
//   - flow.token_exchanges{grant_type, outcome} - Token endpoint exchanges
//   - flow.token_exchange.duration{grant_type, outcome} - Exchange latency in seconds
//   - flow.device_polls{result} - Device authorization polls
//
// Storage tiers:
//   - storage.tier_reads{tier, result} - Reads per tier (hit, miss, error)
//   - storage.read_repairs{tier} - Write-backs into faster tiers
//   - storage.async_write_failures{tier} - Failed background tier writes
//
// Faults:
//   - faults.retries{operation} - Retried operations
//   - faults.errors{category} - Classified errors
//   - faults.suppressed_notifications - Duplicate notifications dropped
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called
// concurrently from multiple goroutines. Metric record methods are also
// nil-receiver safe so components may run without any instrumentation.
//
// # Security Considerations
//
// This package collects observability data, not credentials. Never record
// verifier strings, authorization codes, tokens, or client secrets in spans
// or metric attributes. Only record metadata: flow types, challenge methods,
// tier names, error codes, and outcomes. Observability backends persist and
// replicate whatever they are given.
package instrumentation
