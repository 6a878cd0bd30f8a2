// Package quota enforces resource limits from the license against the
// observed host, currently CPU core count. Enforcement mode is
// configuration-driven: soft logs and audits an overage but lets the caller
// proceed, hard denies it.
package quota

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"

	"entcore/internal/audit"
	"entcore/internal/config"
	coreerrors "entcore/internal/errors"
	"entcore/internal/infrastructure"
	"entcore/pkg/contracts/domain"
)

// Usage is a point-in-time resource reading.
type Usage struct {
	CPUCores int `json:"cpu_cores"`
}

// CheckResult reports one limit evaluation.
type CheckResult struct {
	Resource string `json:"resource"`
	Observed int    `json:"observed"`
	Limit    int    `json:"limit"`
	Exceeded bool   `json:"exceeded"`
	Denied   bool   `json:"denied"`
}

// Monitor samples host resources and evaluates them against license limits.
type Monitor struct {
	mode      config.EnforcementMode
	licenseID uuid.UUID
	trail     *audit.Trail

	// cpuCount is injectable so tests control the observed host.
	cpuCount func(logical bool) (int, error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCPUCounter replaces the CPU probe, for tests.
func WithCPUCounter(fn func(logical bool) (int, error)) Option {
	return func(m *Monitor) { m.cpuCount = fn }
}

// NewMonitor builds a monitor in the configured enforcement mode.
func NewMonitor(cfg config.EnforcementConfig, licenseID uuid.UUID, trail *audit.Trail, opts ...Option) *Monitor {
	m := &Monitor{
		mode:      cfg.ResourceMode,
		licenseID: licenseID,
		trail:     trail,
		cpuCount:  cpu.Counts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample reads current host resource usage.
func (m *Monitor) Sample(ctx context.Context) (Usage, error) {
	cores, err := m.cpuCount(true)
	if err != nil {
		return Usage{}, coreerrors.Wrap(coreerrors.CodeConfiguration, "sampling cpu count", err)
	}
	return Usage{CPUCores: cores}, nil
}

// Check evaluates host CPU cores against the license limit. A zero limit
// means unlimited. In hard mode an overage returns ErrQuotaExceeded; in soft
// mode it is logged and audited but the result carries Denied=false.
func (m *Monitor) Check(ctx context.Context, limits domain.LicenseLimits) (CheckResult, error) {
	res := CheckResult{Resource: "cpu_cores", Limit: limits.MaxCPUCores}
	if limits.MaxCPUCores <= 0 {
		return res, nil
	}

	usage, err := m.Sample(ctx)
	if err != nil {
		return res, err
	}
	res.Observed = usage.CPUCores
	if usage.CPUCores <= limits.MaxCPUCores {
		return res, nil
	}
	res.Exceeded = true

	payload := map[string]string{
		"resource": res.Resource,
		"observed": strconv.Itoa(res.Observed),
		"limit":    strconv.Itoa(res.Limit),
		"mode":     string(m.mode),
	}

	if m.mode == config.EnforcementHard {
		res.Denied = true
		m.record(ctx, domain.AuditResourceDenied, payload)
		return res, coreerrors.ErrQuotaExceeded
	}

	m.record(ctx, domain.AuditResourceWarning, payload)
	infrastructure.LoggerWithContext(ctx).Warn("resource limit exceeded",
		slog.String("resource", res.Resource),
		slog.Int("observed", res.Observed),
		slog.Int("limit", res.Limit),
		slog.String("mode", string(m.mode)),
	)
	return res, nil
}

// Watch re-checks on the sample interval until ctx is done. Overages surface
// through the audit trail and logs; hard-mode errors are logged, not fatal.
func (m *Monitor) Watch(ctx context.Context, limits domain.LicenseLimits, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Check(ctx, limits); err != nil {
					infrastructure.LoggerWithContext(ctx).Error("resource check failed",
						slog.Any("error", err),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) record(ctx context.Context, eventType domain.AuditEventType, payload map[string]string) {
	if m.trail == nil {
		return
	}
	if err := m.trail.Record(ctx, eventType, m.licenseID, payload); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("audit record failed",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
	}
}
