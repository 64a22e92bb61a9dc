package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared across metrics and spans
const (
	AttrClientID  = "oauth.client_id"
	AttrGrantPath = "oauth.grant_path"
	AttrPlatform  = "oauth.platform"
	AttrOutcome   = "oauth.outcome"
	AttrOperation = "storage.operation"
	AttrErrorCode = "oauth.error_code"
)

// Metrics holds all metric instruments for the exchange engine
type Metrics struct {
	// Flow metrics
	ExchangeTotal    metric.Int64Counter
	ExchangeDuration metric.Float64Histogram
	CodeIssued       metric.Int64Counter
	StateValidated   metric.Int64Counter
	HandoffIssued    metric.Int64Counter
	HandoffRedeemed  metric.Int64Counter
	BridgeCallbacks  metric.Int64Counter
	BindCompleted    metric.Int64Counter

	// Security metrics
	CodeReplayDetected   metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageEntries           metric.Int64ObservableGauge

	storageMeter metric.Meter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	engineMeter := inst.Meter("engine")
	securityMeter := inst.Meter("security")
	m.storageMeter = inst.Meter("storage")

	var err error
	m.ExchangeTotal, err = engineMeter.Int64Counter(
		"sso.exchange.total",
		metric.WithDescription("Number of token exchange attempts"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.total counter: %w", err)
	}

	m.ExchangeDuration, err = engineMeter.Float64Histogram(
		"sso.exchange.duration",
		metric.WithDescription("Token exchange duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.duration histogram: %w", err)
	}

	m.CodeIssued, err = engineMeter.Int64Counter(
		"sso.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.StateValidated, err = engineMeter.Int64Counter(
		"sso.state.validated",
		metric.WithDescription("Number of state validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.validated counter: %w", err)
	}

	m.HandoffIssued, err = engineMeter.Int64Counter(
		"sso.handoff.issued",
		metric.WithDescription("Number of token handoff codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handoff.issued counter: %w", err)
	}

	m.HandoffRedeemed, err = engineMeter.Int64Counter(
		"sso.handoff.redeemed",
		metric.WithDescription("Number of token handoff codes redeemed"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handoff.redeemed counter: %w", err)
	}

	m.BridgeCallbacks, err = engineMeter.Int64Counter(
		"sso.bridge.callbacks",
		metric.WithDescription("Number of third-party identity callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge.callbacks counter: %w", err)
	}

	m.BindCompleted, err = engineMeter.Int64Counter(
		"sso.bridge.bind_completed",
		metric.WithDescription("Number of completed bind or create flows"),
		metric.WithUnit("{bind}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge.bind_completed counter: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"sso.code.replay_detected",
		metric.WithDescription("Number of attempted replays of consumed one-time codes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"sso.pkce.validation_failed",
		metric.WithDescription("Number of failed PKCE verifier validations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"sso.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = m.storageMeter.Int64Counter(
		"sso.storage.operations.total",
		metric.WithDescription("Total number of ephemeral store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = m.storageMeter.Float64Histogram(
		"sso.storage.operation.duration",
		metric.WithDescription("Ephemeral store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageEntries, err = m.storageMeter.Int64ObservableGauge(
		"sso.storage.entries",
		metric.WithDescription("Number of live ephemeral entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.entries gauge: %w", err)
	}

	return m, nil
}

// RegisterEntryCountCallback registers a lock-free callback reporting the
// number of live entries in a store backend.
func (i *Instrumentation) RegisterEntryCountCallback(count func() int64) error {
	_, err := i.metrics.storageMeter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(i.metrics.StorageEntries, count())
			return nil
		},
		i.metrics.StorageEntries,
	)
	return err
}

// RecordStorageOperation records one ephemeral store operation
func (i *Instrumentation) RecordStorageOperation(ctx context.Context, op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrOperation, op),
		attribute.String("status", status),
	)
	i.metrics.StorageOperationTotal.Add(ctx, 1, attrs)
	i.metrics.StorageOperationDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordExchange records one token exchange attempt for the given grant path
// ("pkce", "client_secret", or "direct").
func (i *Instrumentation) RecordExchange(ctx context.Context, path string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrGrantPath, path),
		attribute.String("status", status),
	)
	i.metrics.ExchangeTotal.Add(ctx, 1, attrs)
	i.metrics.ExchangeDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordBridgeCallback records one third-party callback with its outcome
// ("linked" or "unlinked").
func (i *Instrumentation) RecordBridgeCallback(ctx context.Context, platform, outcome string) {
	i.metrics.BridgeCallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPlatform, platform),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordBindCompleted records one completed bind or create for a platform
func (i *Instrumentation) RecordBindCompleted(ctx context.Context, platform string) {
	i.metrics.BindCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPlatform, platform),
	))
}
