package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"entcore/internal/audit"
	"entcore/internal/infrastructure"
	"entcore/internal/signature"
	"entcore/pkg/contracts/domain"
)

// HostIdentity answers whether the current host matches a stored
// fingerprint. Satisfied by *fingerprint.Generator.
type HostIdentity interface {
	Matches(stored string) (bool, error)
}

// Validator combines signature, status, time, and hardware checks into a
// single composite verdict. It holds no mutable license state; callers pass
// the snapshot they want judged.
type Validator struct {
	verifier *signature.Verifier
	fp       HostIdentity
	trail    *audit.Trail
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorClock replaces the wall clock, for tests.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator. The audit trail may be nil when the
// caller audits at a higher level (the core facade always passes one).
func NewValidator(verifier *signature.Verifier, fp HostIdentity, trail *audit.Trail, opts ...ValidatorOption) *Validator {
	v := &Validator{verifier: verifier, fp: fp, trail: trail, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the full check sequence and returns the composite verdict
// with itemized reasons. The signature check runs first and short-circuits:
// no other field is trusted until the signature verifies. Every outcome is
// audited.
func (v *Validator) Validate(ctx context.Context, lic *domain.License) *domain.ValidationResult {
	now := v.now()
	result := &domain.ValidationResult{CheckedAt: now}
	logger := infrastructure.LoggerWithContext(ctx)

	if lic == nil {
		result.Reasons = append(result.Reasons, domain.ReasonNotLicensed)
		v.record(ctx, domain.AuditValidationFailed, uuid.Nil, map[string]string{
			"reason": domain.ReasonNotLicensed,
		})
		return result
	}

	if ok, verdict := v.verifier.Verify(lic); !ok {
		result.Reasons = append(result.Reasons, domain.ReasonTampered)
		logger.Warn("license signature verification failed",
			slog.String("license_id", lic.ID.String()),
			slog.String("verdict", string(verdict)),
		)
		v.record(ctx, domain.AuditTamperDetected, lic.ID, map[string]string{
			"verdict": string(verdict),
		})
		return result
	}

	// Signature verified; the remaining checks may trust the fields.
	switch lic.Status {
	case domain.LicenseStatusRevoked:
		result.Reasons = append(result.Reasons, domain.ReasonRevoked)
	case domain.LicenseStatusSuspended:
		result.Reasons = append(result.Reasons, domain.ReasonSuspended)
	case domain.LicenseStatusPending:
		result.Reasons = append(result.Reasons, domain.ReasonNotLicensed)
	}

	result.Validity = Validity(lic, now)
	result.DaysLeft = DaysLeft(lic, now)
	switch result.Validity {
	case domain.ValidityNotStarted:
		result.Reasons = append(result.Reasons, domain.ReasonNotStarted)
	case domain.ValidityExpired:
		result.Reasons = append(result.Reasons, domain.ReasonExpired)
	}

	if lic.HardwareBound {
		match, err := v.fp.Matches(lic.Fingerprint)
		if err != nil || !match {
			result.Reasons = append(result.Reasons, domain.ReasonHardwareMismatch)
			if err != nil {
				logger.Error("fingerprint comparison failed", slog.Any("error", err))
			}
		}
	}

	result.Valid = len(result.Reasons) == 0
	if result.Valid {
		v.record(ctx, domain.AuditValidationPassed, lic.ID, map[string]string{
			"validity": string(result.Validity),
		})
	} else {
		v.record(ctx, domain.AuditValidationFailed, lic.ID, map[string]string{
			"reasons": joinReasons(result.Reasons),
		})
	}
	return result
}

func (v *Validator) record(ctx context.Context, eventType domain.AuditEventType, licenseID uuid.UUID, payload map[string]string) {
	if v.trail == nil {
		return
	}
	if err := v.trail.Record(ctx, eventType, licenseID, payload); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("audit record failed",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}
