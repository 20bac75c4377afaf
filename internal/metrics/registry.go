package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the subsystem's domain metrics.
type Registry struct {
	meter metric.Meter

	// Consent decision metrics
	ConsentCheckDuration metric.Float64Histogram
	ConsentAllowCounter  metric.Int64Counter
	ConsentDenyCounter   metric.Int64Counter
	BypassCounter        metric.Int64Counter
	SelfAccessCounter    metric.Int64Counter
	ViolationCounter     metric.Int64Counter
	EmergencyCounter     metric.Int64Counter

	// Audit ledger metrics
	AuditAppendDuration metric.Float64Histogram
	AuditAppendCounter  metric.Int64Counter
	AuditDropCounter    metric.Int64Counter
	AuditQueueDepth     metric.Int64ObservableGauge

	// Cache metrics
	CacheHitCounter  metric.Int64Counter
	CacheMissCounter metric.Int64Counter

	queueDepth atomic.Int64
}

// NewRegistry creates a metrics registry on the global meter.
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	var err error
	if r.ConsentCheckDuration, err = meter.Float64Histogram(
		"consent_check_duration_seconds",
		metric.WithDescription("Latency of consent evaluation"),
	); err != nil {
		return nil, err
	}
	if r.ConsentAllowCounter, err = meter.Int64Counter(
		"consent_checks_allowed_total",
		metric.WithDescription("Consent checks that allowed access"),
	); err != nil {
		return nil, err
	}
	if r.ConsentDenyCounter, err = meter.Int64Counter(
		"consent_checks_denied_total",
		metric.WithDescription("Consent checks that denied access"),
	); err != nil {
		return nil, err
	}
	if r.BypassCounter, err = meter.Int64Counter(
		"consent_admin_bypass_total",
		metric.WithDescription("Administrator consent bypasses"),
	); err != nil {
		return nil, err
	}
	if r.SelfAccessCounter, err = meter.Int64Counter(
		"consent_self_access_total",
		metric.WithDescription("Patient self-access allowances"),
	); err != nil {
		return nil, err
	}
	if r.ViolationCounter, err = meter.Int64Counter(
		"consent_violations_total",
		metric.WithDescription("Denied accesses recorded as consent violations"),
	); err != nil {
		return nil, err
	}
	if r.EmergencyCounter, err = meter.Int64Counter(
		"emergency_overrides_total",
		metric.WithDescription("Break-glass emergency overrides"),
	); err != nil {
		return nil, err
	}
	if r.AuditAppendDuration, err = meter.Float64Histogram(
		"audit_append_duration_seconds",
		metric.WithDescription("Latency of audit ledger writes"),
	); err != nil {
		return nil, err
	}
	if r.AuditAppendCounter, err = meter.Int64Counter(
		"audit_appends_total",
		metric.WithDescription("Audit records appended"),
	); err != nil {
		return nil, err
	}
	if r.AuditDropCounter, err = meter.Int64Counter(
		"audit_drops_total",
		metric.WithDescription("Audit records dropped after retry exhaustion"),
	); err != nil {
		return nil, err
	}
	if r.AuditQueueDepth, err = meter.Int64ObservableGauge(
		"audit_queue_depth",
		metric.WithDescription("Pending records in the audit append queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.queueDepth.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	if r.CacheHitCounter, err = meter.Int64Counter(
		"consent_cache_hits_total",
		metric.WithDescription("Grant cache hits"),
	); err != nil {
		return nil, err
	}
	if r.CacheMissCounter, err = meter.Int64Counter(
		"consent_cache_misses_total",
		metric.WithDescription("Grant cache misses"),
	); err != nil {
		return nil, err
	}

	return r, nil
}

// SetQueueDepth records the current audit queue depth for the gauge.
func (r *Registry) SetQueueDepth(depth int64) {
	r.queueDepth.Store(depth)
}

// RecordDecision increments the allow or deny counter with the data type
// attribute.
func (r *Registry) RecordDecision(ctx context.Context, allowed bool, dataType string) {
	attrs := metric.WithAttributes(attribute.String("data_type", dataType))
	if allowed {
		r.ConsentAllowCounter.Add(ctx, 1, attrs)
	} else {
		r.ConsentDenyCounter.Add(ctx, 1, attrs)
	}
}
