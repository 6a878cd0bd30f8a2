// Package errors defines the structured error taxonomy for the entitlement
// core. Every denial carries a machine-readable code so the calling layer can
// render an actionable message (renew, upgrade, capacity reached) rather than
// an opaque failure.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for entitlement operations.
const (
	CodeConfiguration     = "CONFIGURATION_ERROR"
	CodeSignature         = "SIGNATURE_ERROR"
	CodeExpired           = "LICENSE_EXPIRED"
	CodeHardwareMismatch  = "HARDWARE_MISMATCH"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeActivation        = "ACTIVATION_FAILED"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeVersionConflict   = "VERSION_CONFLICT"
)

// CoreError is a structured error with a stable machine-readable code.
type CoreError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is matches any CoreError carrying the same code, so sentinel comparisons
// like errors.Is(err, ErrQuotaExceeded) work across wrapped instances.
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

// New creates a CoreError with the given code and message.
func New(code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap creates a CoreError wrapping an underlying cause.
func Wrap(code, message string, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Sentinel errors, one per code. Use errors.Is against these; use Wrap to
// attach context while preserving the code.
var (
	// ErrNoLicense indicates no license record is present for the deployment.
	ErrNoLicense = New(CodeConfiguration, "no license configured")
	// ErrSignature indicates the license signature failed verification.
	ErrSignature = New(CodeSignature, "license signature verification failed")
	// ErrExpired indicates the license is past its end date and grace period.
	ErrExpired = New(CodeExpired, "license has expired")
	// ErrHardwareMismatch indicates the host fingerprint does not match the binding.
	ErrHardwareMismatch = New(CodeHardwareMismatch, "license is bound to different hardware")
	// ErrQuotaExceeded indicates a resource ceiling was reached.
	ErrQuotaExceeded = New(CodeQuotaExceeded, "concurrent session quota exceeded")
	// ErrActivation indicates the activation authority rejected or was unreachable.
	ErrActivation = New(CodeActivation, "license activation failed")
	// ErrIllegalTransition indicates a status change not present in the transition table.
	ErrIllegalTransition = New(CodeIllegalTransition, "illegal license status transition")
	// ErrVersionConflict indicates an optimistic-concurrency write lost the race;
	// the caller must re-read and retry.
	ErrVersionConflict = New(CodeVersionConflict, "license version conflict, retry")
)

// CodeOf extracts the machine-readable code from an error chain, or empty.
func CodeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
