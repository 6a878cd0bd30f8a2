package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivationMethod is the explicit tagged enum for activation dispatch.
// Adding a method means extending the switch in the activation protocol,
// which the compiler surfaces, rather than branching on optional fields.
type ActivationMethod string

const (
	ActivationOnline  ActivationMethod = "online"
	ActivationOffline ActivationMethod = "offline"
)

// IsValid checks if the method is a recognized value.
func (m ActivationMethod) IsValid() bool {
	return m == ActivationOnline || m == ActivationOffline
}

// ActivationOutcome records how an activation attempt ended.
type ActivationOutcome string

const (
	ActivationSucceeded ActivationOutcome = "succeeded"
	ActivationRejected  ActivationOutcome = "rejected"
	ActivationTimedOut  ActivationOutcome = "timed_out"
)

// ActivationRecord is the immutable audit row written for every activation
// attempt, online or offline. Records are never updated once written.
type ActivationRecord struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	LicenseID    uuid.UUID         `json:"license_id" db:"license_id"`
	Method       ActivationMethod  `json:"method" db:"method"`
	Fingerprint  string            `json:"fingerprint" db:"fingerprint"`
	RequestCode  string            `json:"request_code,omitempty" db:"request_code"`
	ResponseCode string            `json:"response_code,omitempty" db:"response_code"`
	Outcome      ActivationOutcome `json:"outcome" db:"outcome"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// ActivationRequest is the online activation wire request sent to the
// activation authority.
type ActivationRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,min=10"`
	Fingerprint string `json:"hardware_fingerprint" validate:"required,len=64,hexadecimal"`
}

// ActivationResponse is the authority's reply: a signed license plus the
// server-side activation identifier. Failure responses carry a
// machine-readable reason instead.
type ActivationResponse struct {
	License      *License `json:"license,omitempty"`
	ActivationID string   `json:"activation_id,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// OfflineRequest is the bundle an operator exchanges out-of-band for an
// activation code. Request codes expire to prevent stale-code replay.
type OfflineRequest struct {
	RequestCode string    `json:"request_code"`
	LicenseKey  string    `json:"license_key"`
	Fingerprint string    `json:"hardware_fingerprint"`
	ExpiresAt   time.Time `json:"expiry"`
}
