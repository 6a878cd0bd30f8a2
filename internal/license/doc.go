// Package license implements the trusted license record handling for the
// entitlement core: composite validation, the lifecycle state machine, time
// validity, and the encrypted license token file.
//
// # Validation Flow
//
// Validation runs the checks in trust order and fails fast on tamper:
//
//	1. Verify the detached signature over the canonical field serialization
//	2. Check status against the lifecycle table (revoked and suspended deny)
//	3. Compute time validity from the window and grace period
//	4. If hardware-bound, compare the host fingerprint with the binding
//
// Every failure is reported in the composite result and audited; nothing is
// silently ignored.
//
// # Lifecycle
//
// Issue, Activate, Renew, Upgrade, Suspend, and Revoke each consult the
// transition table before mutating anything. Writes go through optimistic
// versioning: a transition commits only if the version read at its start is
// still current, otherwise the caller re-reads and retries. Illegal
// transitions are rejected atomically with no partial state change.
//
// # Token File
//
// The license token is the signed serialization of the license fields. At
// rest it is encrypted with AES-256-GCM under a key derived from the
// deployment secret (scrypt), written with 0600 permissions.
package license
