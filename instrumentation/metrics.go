package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments used across the flow engine.
// All record methods are safe to call on a nil receiver so components can
// skip the instrumentation wiring entirely.
type Metrics struct {
	// Flow metrics
	flowStarts       metric.Int64Counter
	authorizationURL metric.Int64Counter
	parPushes        metric.Int64Counter
	tokenExchanges   metric.Int64Counter
	exchangeDuration metric.Float64Histogram
	devicePolls      metric.Int64Counter

	// Storage metrics
	tierReads      metric.Int64Counter
	readRepairs    metric.Int64Counter
	asyncWriteFail metric.Int64Counter

	// Fault metrics
	retries    metric.Int64Counter
	errors     metric.Int64Counter
	suppressed metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	flowMeter := inst.Meter("flow")
	storageMeter := inst.Meter("storage")
	faultsMeter := inst.Meter("faults")

	m := &Metrics{}
	var err error

	m.flowStarts, err = flowMeter.Int64Counter(
		"flow.starts",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.starts counter: %w", err)
	}

	m.authorizationURL, err = flowMeter.Int64Counter(
		"flow.authorization_urls",
		metric.WithDescription("Number of authorization request URLs built"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.authorization_urls counter: %w", err)
	}

	m.parPushes, err = flowMeter.Int64Counter(
		"flow.par_pushes",
		metric.WithDescription("Number of pushed authorization requests sent"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.par_pushes counter: %w", err)
	}

	m.tokenExchanges, err = flowMeter.Int64Counter(
		"flow.token_exchanges",
		metric.WithDescription("Number of token endpoint exchanges"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.token_exchanges counter: %w", err)
	}

	m.exchangeDuration, err = flowMeter.Float64Histogram(
		"flow.token_exchange.duration",
		metric.WithDescription("Token exchange duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.token_exchange.duration histogram: %w", err)
	}

	m.devicePolls, err = flowMeter.Int64Counter(
		"flow.device_polls",
		metric.WithDescription("Number of device authorization token polls"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.device_polls counter: %w", err)
	}

	m.tierReads, err = storageMeter.Int64Counter(
		"storage.tier_reads",
		metric.WithDescription("Number of storage tier reads by tier and result"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tier_reads counter: %w", err)
	}

	m.readRepairs, err = storageMeter.Int64Counter(
		"storage.read_repairs",
		metric.WithDescription("Number of records written back into faster tiers after a slow tier hit"),
		metric.WithUnit("{repair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.read_repairs counter: %w", err)
	}

	m.asyncWriteFail, err = storageMeter.Int64Counter(
		"storage.async_write_failures",
		metric.WithDescription("Number of background tier writes that failed"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.async_write_failures counter: %w", err)
	}

	m.retries, err = faultsMeter.Int64Counter(
		"faults.retries",
		metric.WithDescription("Number of operation retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create faults.retries counter: %w", err)
	}

	m.errors, err = faultsMeter.Int64Counter(
		"faults.errors",
		metric.WithDescription("Number of classified errors by category"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create faults.errors counter: %w", err)
	}

	m.suppressed, err = faultsMeter.Int64Counter(
		"faults.suppressed_notifications",
		metric.WithDescription("Number of duplicate error notifications suppressed"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create faults.suppressed_notifications counter: %w", err)
	}

	return m, nil
}

// RecordFlowStart records the start of an authorization flow
func (m *Metrics) RecordFlowStart(ctx context.Context, flowType, specVersion string) {
	if m == nil {
		return
	}
	m.flowStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_type", flowType),
		attribute.String("spec_version", specVersion),
	))
}

// RecordAuthorizationURL records a built authorization request URL
func (m *Metrics) RecordAuthorizationURL(ctx context.Context, flowType, responseMode string) {
	if m == nil {
		return
	}
	m.authorizationURL.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_type", flowType),
		attribute.String("response_mode", responseMode),
	))
}

// RecordPARPush records a pushed authorization request and its outcome
func (m *Metrics) RecordPARPush(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.parPushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordTokenExchange records a token endpoint exchange with its duration
func (m *Metrics) RecordTokenExchange(ctx context.Context, grantType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	)
	m.tokenExchanges.Add(ctx, 1, attrs)
	m.exchangeDuration.Record(ctx, seconds, attrs)
}

// RecordDevicePoll records one device authorization poll result
// (pending, slow_down, success, error).
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.devicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordTierRead records a storage tier read (hit, miss, error)
func (m *Metrics) RecordTierRead(ctx context.Context, tier, result string) {
	if m == nil {
		return
	}
	m.tierReads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordReadRepair records a write-back into a faster tier
func (m *Metrics) RecordReadRepair(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.readRepairs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

// RecordAsyncWriteFailure records a failed background tier write
func (m *Metrics) RecordAsyncWriteFailure(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.asyncWriteFail.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

// RecordRetry records a retried operation
func (m *Metrics) RecordRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordError records a classified error by category
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordSuppressedNotification records a duplicate notification that was dropped
func (m *Metrics) RecordSuppressedNotification(ctx context.Context) {
	if m == nil {
		return
	}
	m.suppressed.Add(ctx, 1)
}
