// Package domain contains the core domain models for the entitlement core.
// These types serve as the Single Source of Truth (SSOT) for every layer that
// consumes the core: the license record, session and activation models, and
// audit events.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus represents the lifecycle status of a license.
type LicenseStatus string

const (
	LicenseStatusPending   LicenseStatus = "pending"
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusRevoked   LicenseStatus = "revoked"
)

// legalTransitions is the authoritative status transition table. Revoked is
// terminal: it has no outgoing edges. expired->active models renewal, and
// active->expired is time-driven rather than an explicit call.
var legalTransitions = map[LicenseStatus][]LicenseStatus{
	LicenseStatusPending:   {LicenseStatusActive},
	LicenseStatusActive:    {LicenseStatusSuspended, LicenseStatusExpired, LicenseStatusRevoked},
	LicenseStatusSuspended: {LicenseStatusActive, LicenseStatusRevoked},
	LicenseStatusExpired:   {LicenseStatusActive, LicenseStatusRevoked},
	LicenseStatusRevoked:   {},
}

// CanTransition reports whether moving from s to target is a legal edge in
// the lifecycle state machine.
func (s LicenseStatus) CanTransition(target LicenseStatus) bool {
	for _, next := range legalTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsValid checks if the status is a recognized value.
func (s LicenseStatus) IsValid() bool {
	switch s {
	case LicenseStatusPending, LicenseStatusActive, LicenseStatusSuspended,
		LicenseStatusExpired, LicenseStatusRevoked:
		return true
	}
	return false
}

// LicenseTier represents the purchased subscription level.
type LicenseTier string

const (
	TierBasic        LicenseTier = "basic"
	TierProfessional LicenseTier = "professional"
	TierEnterprise   LicenseTier = "enterprise"
)

// SubscriptionMode distinguishes perpetual licenses from periodic ones.
type SubscriptionMode string

const (
	SubscriptionPerpetual SubscriptionMode = "perpetual"
	SubscriptionPeriodic  SubscriptionMode = "periodic"
)

// LicenseLimits holds the numeric ceilings purchased with a license.
type LicenseLimits struct {
	MaxConcurrentSessions int   `json:"max_concurrent_sessions" db:"max_concurrent_sessions" validate:"min=0"`
	MaxCPUCores           int   `json:"max_cpu_cores" db:"max_cpu_cores" validate:"min=0"`
	MaxStorageBytes       int64 `json:"max_storage_bytes" db:"max_storage_bytes" validate:"min=0"`
	MaxProjects           int   `json:"max_projects" db:"max_projects" validate:"min=0"`
}

// License is the authoritative record of entitlement for a deployment.
// Exactly one license record is authoritative at any time; Version increments
// on every state-changing write and Signature must verify against all other
// fields before any field is trusted.
type License struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	Key             string           `json:"key" db:"key" validate:"required,min=10"`
	Tier            LicenseTier      `json:"tier" db:"tier" validate:"required"`
	Features        []string         `json:"features" db:"features"`
	Limits          LicenseLimits    `json:"limits" db:"limits"`
	ValidFrom       time.Time        `json:"valid_from" db:"valid_from"`
	ValidUntil      time.Time        `json:"valid_until" db:"valid_until"`
	GracePeriodDays int              `json:"grace_period_days" db:"grace_period_days" validate:"min=0"`
	Subscription    SubscriptionMode `json:"subscription" db:"subscription"`
	HardwareBound   bool             `json:"hardware_bound" db:"hardware_bound"`
	Fingerprint     string           `json:"fingerprint,omitempty" db:"fingerprint"`
	Status          LicenseStatus    `json:"status" db:"status"`
	Signature       []byte           `json:"signature" db:"signature"`
	Version         int64            `json:"version" db:"version"`
	IssuedAt        time.Time        `json:"issued_at" db:"issued_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// HasFeature reports whether the feature tag is part of the licensed set.
func (l *License) HasFeature(feature string) bool {
	for _, f := range l.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the license. Callers receive snapshots rather
// than aliases of the authoritative record.
func (l *License) Clone() *License {
	c := *l
	c.Features = append([]string(nil), l.Features...)
	c.Signature = append([]byte(nil), l.Signature...)
	return &c
}

// ValidityState describes where "now" falls relative to the license window.
type ValidityState string

const (
	ValidityNotStarted  ValidityState = "not_started"
	ValidityActive      ValidityState = "active"
	ValidityGracePeriod ValidityState = "grace_period"
	ValidityExpired     ValidityState = "expired"
)

// Denial reason codes carried on every structured rejection so the calling
// layer can render an actionable message instead of an opaque failure.
const (
	ReasonNotLicensed      = "NOT_LICENSED"
	ReasonExpired          = "LICENSE_EXPIRED"
	ReasonNotStarted       = "LICENSE_NOT_STARTED"
	ReasonRevoked          = "LICENSE_REVOKED"
	ReasonSuspended        = "LICENSE_SUSPENDED"
	ReasonTampered         = "SIGNATURE_INVALID"
	ReasonHardwareMismatch = "HARDWARE_MISMATCH"
	ReasonQuotaExceeded    = "QUOTA_EXCEEDED"
	ReasonFeatureNot       = "FEATURE_NOT_LICENSED"
)

// ValidationResult is the composite verdict produced by the validator, with
// itemized reasons for UI display.
type ValidationResult struct {
	Valid     bool          `json:"valid"`
	Reasons   []string      `json:"reasons,omitempty"`
	Validity  ValidityState `json:"validity"`
	DaysLeft  int           `json:"days_left"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HasReason reports whether the result carries the given reason code.
func (r *ValidationResult) HasReason(code string) bool {
	for _, reason := range r.Reasons {
		if reason == code {
			return true
		}
	}
	return false
}
