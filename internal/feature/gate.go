// Package feature gates tier-specific functionality on the validated
// license. Every check runs a full validation first, so a tampered, expired
// or revoked license denies all features regardless of what its feature list
// claims.
package feature

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"entcore/internal/audit"
	"entcore/internal/infrastructure"
	"entcore/internal/license"
	"entcore/pkg/contracts/domain"
)

// Decision is the structured answer to one feature check. Reason is empty
// when the feature is allowed.
type Decision struct {
	Feature   string    `json:"feature"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Gate answers feature-access checks against a license.
type Gate struct {
	validator *license.Validator
	trail     *audit.Trail
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate builds a feature gate on top of the validator.
func NewGate(v *license.Validator, trail *audit.Trail, opts ...Option) *Gate {
	g := &Gate{validator: v, trail: trail, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether the license permits the feature. The license is
// revalidated on every call: feature access is only as good as the license
// is right now, not as it was at startup.
func (g *Gate) Check(ctx context.Context, lic *domain.License, feature string) Decision {
	d := Decision{Feature: feature, CheckedAt: g.now()}

	result := g.validator.Validate(ctx, lic)
	if !result.Valid {
		d.Reason = firstReason(result)
		g.record(ctx, lic, d)
		return d
	}

	if !lic.HasFeature(feature) {
		d.Reason = domain.ReasonFeatureNot
		g.record(ctx, lic, d)
		return d
	}

	d.Allowed = true
	g.record(ctx, lic, d)
	return d
}

// Allowed is the boolean shorthand for callers that do not need the reason.
func (g *Gate) Allowed(ctx context.Context, lic *domain.License, feature string) bool {
	return g.Check(ctx, lic, feature).Allowed
}

// firstReason picks the dominant denial reason. The validator orders reasons
// by severity, tampering first.
func firstReason(result *domain.ValidationResult) string {
	if len(result.Reasons) == 0 {
		return domain.ReasonNotLicensed
	}
	return result.Reasons[0]
}

func (g *Gate) record(ctx context.Context, lic *domain.License, d Decision) {
	if g.trail == nil {
		return
	}
	eventType := domain.AuditFeatureAllowed
	payload := map[string]string{"feature": d.Feature}
	if !d.Allowed {
		eventType = domain.AuditFeatureDenied
		payload["reason"] = d.Reason
	}
	licenseID := uuid.Nil
	if lic != nil {
		licenseID = lic.ID
	}
	if err := g.trail.Record(ctx, eventType, licenseID, payload); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("audit record failed",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
	}
}
