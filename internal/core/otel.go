package core

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the enforcement-core OpenTelemetry instruments.
type Metrics struct {
	ValidationAttempts    metric.Int64Counter
	ValidationFailures    metric.Int64Counter
	ValidationCacheHits   metric.Int64Counter
	ValidationCacheMisses metric.Int64Counter

	SessionAdmissions metric.Int64Counter
	SessionRejections metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter

	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter

	FeatureDenials  metric.Int64Counter
	ResourceDenials metric.Int64Counter
}

// InitializeMetrics creates the core's instruments on the given meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ValidationAttempts, err = meter.Int64Counter(
		"entcore_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"entcore_validation_failures_total",
		metric.WithDescription("Total number of failed license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	m.ValidationCacheHits, err = meter.Int64Counter(
		"entcore_validation_cache_hits_total",
		metric.WithDescription("Total number of validation cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache hits counter: %w", err)
	}

	m.ValidationCacheMisses, err = meter.Int64Counter(
		"entcore_validation_cache_misses_total",
		metric.WithDescription("Total number of validation cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache misses counter: %w", err)
	}

	m.SessionAdmissions, err = meter.Int64Counter(
		"entcore_session_admissions_total",
		metric.WithDescription("Total number of admitted sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session admissions counter: %w", err)
	}

	m.SessionRejections, err = meter.Int64Counter(
		"entcore_session_rejections_total",
		metric.WithDescription("Total number of rejected session registrations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session rejections counter: %w", err)
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter(
		"entcore_active_sessions",
		metric.WithDescription("Currently active concurrent sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active sessions counter: %w", err)
	}

	m.ActivationAttempts, err = meter.Int64Counter(
		"entcore_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"entcore_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.FeatureDenials, err = meter.Int64Counter(
		"entcore_feature_denials_total",
		metric.WithDescription("Total number of denied feature checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature denials counter: %w", err)
	}

	m.ResourceDenials, err = meter.Int64Counter(
		"entcore_resource_denials_total",
		metric.WithDescription("Total number of denied resource checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource denials counter: %w", err)
	}

	return m, nil
}
