package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"entcore/internal/audit"
	coreerrors "entcore/internal/errors"
	"entcore/internal/infrastructure"
	"entcore/internal/signature"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// Lifecycle applies status transitions to the persisted license record.
// Every write checks the transition table first, bumps the version under
// optimistic concurrency, re-signs the record, and emits an audit event.
// Illegal transitions are rejected without mutating anything.
type Lifecycle struct {
	store  *store.Store
	signer *signature.Signer
	trail  *audit.Trail
	now    func() time.Time
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleClock replaces the wall clock, for tests.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle creates the lifecycle service. The signer is required: every
// state-changing write produces a fresh signature.
func NewLifecycle(st *store.Store, signer *signature.Signer, trail *audit.Trail, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{store: st, signer: signer, trail: trail, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IssueParams describes a new license to create.
type IssueParams struct {
	Key             string
	Tier            domain.LicenseTier
	Features        []string
	Limits          domain.LicenseLimits
	ValidFrom       time.Time
	ValidUntil      time.Time
	GracePeriodDays int
	Subscription    domain.SubscriptionMode
	HardwareBound   bool
}

// Issue creates and persists a new pending license, signed.
func (l *Lifecycle) Issue(ctx context.Context, p IssueParams) (*domain.License, error) {
	now := l.now().UTC()
	lic := &domain.License{
		ID:              uuid.New(),
		Key:             p.Key,
		Tier:            p.Tier,
		Features:        append([]string(nil), p.Features...),
		Limits:          p.Limits,
		ValidFrom:       p.ValidFrom,
		ValidUntil:      p.ValidUntil,
		GracePeriodDays: p.GracePeriodDays,
		Subscription:    p.Subscription,
		HardwareBound:   p.HardwareBound,
		Status:          domain.LicenseStatusPending,
		Version:         1,
		IssuedAt:        now,
		UpdatedAt:       now,
	}
	if err := l.sign(lic); err != nil {
		return nil, err
	}
	if err := l.store.InsertLicense(ctx, lic); err != nil {
		return nil, err
	}
	l.record(ctx, domain.AuditStatusTransition, lic.ID, map[string]string{
		"from": "", "to": string(domain.LicenseStatusPending), "op": "issue",
	})
	return lic, nil
}

// Activate moves a pending or suspended license to active, recording the
// hardware fingerprint when the license is hardware-bound.
func (l *Lifecycle) Activate(ctx context.Context, id uuid.UUID, hostFingerprint string) (*domain.License, error) {
	return l.transition(ctx, id, "activate", domain.LicenseStatusActive, func(lic *domain.License) error {
		if lic.HardwareBound {
			if hostFingerprint == "" {
				return coreerrors.Wrap(coreerrors.CodeActivation, "hardware-bound license requires a fingerprint", nil)
			}
			lic.Fingerprint = hostFingerprint
		}
		return nil
	})
}

// Renew extends the validity window. From expired status this is the
// expired->active renewal edge; an active license renews in place with no
// status change.
func (l *Lifecycle) Renew(ctx context.Context, id uuid.UUID, newValidUntil time.Time) (*domain.License, error) {
	lic, err := l.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}

	switch lic.Status {
	case domain.LicenseStatusActive:
		// window extension only, no edge taken
	case domain.LicenseStatusExpired:
		// expired -> active is a legal renewal edge
	default:
		l.denyTransition(ctx, lic, domain.LicenseStatusActive, "renew")
		return nil, coreerrors.Wrap(coreerrors.CodeIllegalTransition,
			fmt.Sprintf("cannot renew license in status %s", lic.Status), nil)
	}

	updated := lic.Clone()
	updated.ValidUntil = newValidUntil
	updated.Status = domain.LicenseStatusActive
	return l.commit(ctx, lic, updated, "renew")
}

// Upgrade changes tier, limits, and features of an active license.
func (l *Lifecycle) Upgrade(ctx context.Context, id uuid.UUID, tier domain.LicenseTier, limits domain.LicenseLimits, features []string) (*domain.License, error) {
	lic, err := l.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status != domain.LicenseStatusActive {
		l.denyTransition(ctx, lic, lic.Status, "upgrade")
		return nil, coreerrors.Wrap(coreerrors.CodeIllegalTransition,
			fmt.Sprintf("cannot upgrade license in status %s", lic.Status), nil)
	}
	updated := lic.Clone()
	updated.Tier = tier
	updated.Limits = limits
	updated.Features = append([]string(nil), features...)
	return l.commit(ctx, lic, updated, "upgrade")
}

// Suspend moves an active license to suspended.
func (l *Lifecycle) Suspend(ctx context.Context, id uuid.UUID, reason string) (*domain.License, error) {
	return l.transition(ctx, id, "suspend:"+reason, domain.LicenseStatusSuspended, nil)
}

// Revoke terminally revokes the license. No outgoing edges exist from
// revoked.
func (l *Lifecycle) Revoke(ctx context.Context, id uuid.UUID, reason string) (*domain.License, error) {
	return l.transition(ctx, id, "revoke:"+reason, domain.LicenseStatusRevoked, nil)
}

// SyncExpiry applies the time-driven active->expired edge when now is past
// the grace end. Called by the background re-verifier, never on the request
// path.
func (l *Lifecycle) SyncExpiry(ctx context.Context, id uuid.UUID) (*domain.License, error) {
	lic, err := l.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status != domain.LicenseStatusActive || Validity(lic, l.now()) != domain.ValidityExpired {
		return lic, nil
	}
	updated := lic.Clone()
	updated.Status = domain.LicenseStatusExpired
	return l.commit(ctx, lic, updated, "expire")
}

// transition reads, checks the table edge to target, applies mutate, and
// commits optimistically.
func (l *Lifecycle) transition(ctx context.Context, id uuid.UUID, op string, target domain.LicenseStatus, mutate func(*domain.License) error) (*domain.License, error) {
	lic, err := l.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lic.Status.CanTransition(target) {
		l.denyTransition(ctx, lic, target, op)
		return nil, coreerrors.Wrap(coreerrors.CodeIllegalTransition,
			fmt.Sprintf("transition %s -> %s is not allowed", lic.Status, target), nil)
	}

	updated := lic.Clone()
	updated.Status = target
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}
	return l.commit(ctx, lic, updated, op)
}

// commit bumps the version, re-signs, and writes with the optimistic check
// against the version read at transition start. A conflicting concurrent
// writer surfaces as ErrVersionConflict; the caller re-reads and retries.
func (l *Lifecycle) commit(ctx context.Context, prev, updated *domain.License, op string) (*domain.License, error) {
	updated.Version = prev.Version + 1
	updated.UpdatedAt = l.now().UTC()
	if err := l.sign(updated); err != nil {
		return nil, err
	}
	if err := l.store.UpdateLicense(ctx, updated, prev.Version); err != nil {
		return nil, err
	}

	l.record(ctx, domain.AuditStatusTransition, updated.ID, map[string]string{
		"from":    string(prev.Status),
		"to":      string(updated.Status),
		"op":      op,
		"version": fmt.Sprintf("%d", updated.Version),
	})
	infrastructure.LoggerWithContext(ctx).Info("license transition applied",
		slog.String("license_id", updated.ID.String()),
		slog.String("op", op),
		slog.String("from", string(prev.Status)),
		slog.String("to", string(updated.Status)),
		slog.Int64("version", updated.Version),
	)
	return updated, nil
}

func (l *Lifecycle) sign(lic *domain.License) error {
	sig, err := l.signer.Sign(lic)
	if err != nil {
		return fmt.Errorf("sign license: %w", err)
	}
	lic.Signature = sig
	return nil
}

func (l *Lifecycle) denyTransition(ctx context.Context, lic *domain.License, target domain.LicenseStatus, op string) {
	l.record(ctx, domain.AuditTransitionDenied, lic.ID, map[string]string{
		"from": string(lic.Status),
		"to":   string(target),
		"op":   op,
	})
}

func (l *Lifecycle) record(ctx context.Context, eventType domain.AuditEventType, licenseID uuid.UUID, payload map[string]string) {
	if l.trail == nil {
		return
	}
	if err := l.trail.Record(ctx, eventType, licenseID, payload); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("audit record failed",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
	}
}
