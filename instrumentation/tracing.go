package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual sensitive values (verifiers, authorization
// codes, tokens, client secrets) in traces or metrics. Only record metadata such
// as flow types, challenge methods, tier names, and validation results. Traces
// are persisted and replicated far more widely than the credentials they
// describe.
const (
	// Flow attributes - SAFE to use for metadata only
	AttrFlowType      = "oauth.flow_type"      // Flow being exercised (authorization-code, device-code, ...)
	AttrSpecVersion   = "oauth.spec_version"   // Protocol profile (oauth2, oauth21, oidc)
	AttrResponseMode  = "oauth.response_mode"  // Response mode requested (query, fragment, form_post, pi.flow)
	AttrGrantType     = "oauth.grant_type"     // Grant presented at the token endpoint
	AttrScope         = "oauth.scope"          // Requested scopes
	AttrClientID      = "oauth.client_id"      // Client identifier (non-secret)
	AttrPKCEMethod    = "oauth.pkce.method"    // Challenge method used (S256, plain)
	AttrUsedPAR       = "oauth.par"            // Whether the request went through the PAR endpoint (boolean)
	AttrError         = "oauth.error"          // Wire error code from the provider
	AttrErrorCategory = "oauth.error_category" // Classified category (authentication, validation, ...)

	// Storage attributes
	AttrStorageTier      = "storage.tier"
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// Device flow attributes
	AttrPollResult   = "device.poll_result"
	AttrPollInterval = "device.poll_interval_seconds"

	// HTTP attributes (in addition to standard semantic conventions)
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

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, flowType, specVersion string) {
	if flowType != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowType, flowType))
	}
	if specVersion != "" {
		SetSpanAttributes(span, attribute.String(AttrSpecVersion, specVersion))
	}
}

// AddPKCEAttributes adds proof-key attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, tier string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageTier, tier),
	)
}

// AddErrorAttributes adds classified error attributes to a span (nil-safe)
func AddErrorAttributes(span trace.Span, category, code string) {
	if category != "" {
		SetSpanAttributes(span, attribute.String(AttrErrorCategory, category))
	}
	if code != "" {
		SetSpanAttributes(span, attribute.String(AttrError, code))
	}
}
