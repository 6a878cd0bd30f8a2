package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType classifies the decision points that produce audit events.
type AuditEventType string

const (
	AuditValidationPassed  AuditEventType = "validation_passed"
	AuditValidationFailed  AuditEventType = "validation_failed"
	AuditTamperDetected    AuditEventType = "tamper_detected"
	AuditStatusTransition  AuditEventType = "status_transition"
	AuditTransitionDenied  AuditEventType = "transition_denied"
	AuditSessionAdmitted   AuditEventType = "session_admitted"
	AuditSessionRejected   AuditEventType = "session_rejected"
	AuditSessionReleased   AuditEventType = "session_released"
	AuditSessionReaped     AuditEventType = "session_reaped"
	AuditForceLogout       AuditEventType = "force_logout"
	AuditActivationAttempt AuditEventType = "activation_attempt"
	AuditFeatureAllowed    AuditEventType = "feature_allowed"
	AuditFeatureDenied     AuditEventType = "feature_denied"
	AuditResourceWarning   AuditEventType = "resource_warning"
	AuditResourceDenied    AuditEventType = "resource_denied"
)

// AuditEvent is one append-only entry in the tamper-evident trail. PrevHash
// links each event to its predecessor (SHA-256 over the canonical event
// bytes), which makes after-the-fact edits detectable. The chain is
// tamper-evident, not tamper-proof: an attacker who can rewrite the whole
// store can rebuild the chain, so the guarantee is detection, not prevention.
type AuditEvent struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	Seq       int64             `json:"seq" db:"seq"`
	Type      AuditEventType    `json:"type" db:"type"`
	LicenseID uuid.UUID         `json:"license_id" db:"license_id"`
	Payload   map[string]string `json:"payload,omitempty" db:"payload"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
	PrevHash  string            `json:"prev_hash" db:"prev_hash"`
	Hash      string            `json:"hash" db:"hash"`
}
