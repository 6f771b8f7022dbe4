package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for license validation.
// All recording helpers are nil-safe so the engine runs unchanged when
// the host wires no meter.
type Metrics struct {
	ValidationTotal    metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	GraceFallbacks     metric.Int64Counter
	TamperDetections   metric.Int64Counter
	RecoveryScans      metric.Int64Counter
}

// NewMetrics creates the license instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ValidationTotal, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validation attempts by entry point and result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation counter: %w", err)
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation histogram: %w", err)
	}

	if m.GraceFallbacks, err = meter.Int64Counter(
		"license_grace_fallbacks_total",
		metric.WithDescription("Validations that succeeded via offline grace"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grace counter: %w", err)
	}

	if m.TamperDetections, err = meter.Int64Counter(
		"license_time_tamper_detections_total",
		metric.WithDescription("Backward clock movement detections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tamper counter: %w", err)
	}

	if m.RecoveryScans, err = meter.Int64Counter(
		"license_auto_recovery_scans_total",
		metric.WithDescription("Auto-recovery scans by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create recovery counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, checkType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("check_type", checkType),
		attribute.String("result", result),
	)
	m.ValidationTotal.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordGraceFallback(ctx context.Context, checkType string) {
	if m == nil {
		return
	}
	m.GraceFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check_type", checkType),
	))
}

func (m *Metrics) recordTamper(ctx context.Context) {
	if m == nil {
		return
	}
	m.TamperDetections.Add(ctx, 1)
}

func (m *Metrics) recordRecovery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryScans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
