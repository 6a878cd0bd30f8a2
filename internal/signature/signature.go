// Package signature implements detached Ed25519 signatures over a canonical
// serialization of license fields. Verification is a pure function: no side
// effects, no clock, no I/O.
package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"entcore/pkg/contracts"
	"entcore/pkg/contracts/domain"
)

// canonicalVersion prefixes every payload so a future field change cannot be
// replayed against an old verifier.
const canonicalVersion = contracts.PayloadVersion

// Verdict is the reason code attached to a verification result.
type Verdict string

const (
	VerdictValid             Verdict = "valid"
	VerdictMalformed         Verdict = "malformed"
	VerdictSignatureMismatch Verdict = "signature-mismatch"
)

var (
	// ErrInvalidPublicKey indicates the public key has the wrong size.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidPrivateKey indicates the private key has the wrong size.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// KeyPair holds Ed25519 signing keys.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair generates a new Ed25519 key pair for signing licenses.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: public, PrivateKey: private}, nil
}

// PublicKeyFromBase64 decodes a base64-encoded public key.
func PublicKeyFromBase64(encoded string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(data), nil
}

// PublicKeyToBase64 encodes the public key for storage.
func (kp *KeyPair) PublicKeyToBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// CanonicalPayload produces the deterministic byte serialization of all
// license fields except the signature itself. Field order, separators, and
// time encoding are fixed, so any semantic-preserving re-encoding of the
// license (field reordering, whitespace, alternate time zones) still yields
// the exact bytes that were signed.
func CanonicalPayload(lic *domain.License) ([]byte, error) {
	if lic == nil {
		return nil, errors.New("nil license")
	}
	if lic.Key == "" {
		return nil, errors.New("empty license key")
	}
	for _, f := range lic.Features {
		if strings.ContainsAny(f, "|,") {
			return nil, fmt.Errorf("feature tag %q contains reserved separator", f)
		}
	}

	var b bytes.Buffer
	b.WriteString(canonicalVersion)
	fields := []string{
		lic.ID.String(),
		lic.Key,
		string(lic.Tier),
		strings.Join(lic.Features, ","),
		strconv.Itoa(lic.Limits.MaxConcurrentSessions),
		strconv.Itoa(lic.Limits.MaxCPUCores),
		strconv.FormatInt(lic.Limits.MaxStorageBytes, 10),
		strconv.Itoa(lic.Limits.MaxProjects),
		strconv.FormatInt(lic.ValidFrom.UTC().Unix(), 10),
		strconv.FormatInt(lic.ValidUntil.UTC().Unix(), 10),
		strconv.Itoa(lic.GracePeriodDays),
		string(lic.Subscription),
		strconv.FormatBool(lic.HardwareBound),
		lic.Fingerprint,
		string(lic.Status),
		strconv.FormatInt(lic.Version, 10),
		strconv.FormatInt(lic.IssuedAt.UTC().Unix(), 10),
	}
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f)
	}
	return b.Bytes(), nil
}

// Signer produces detached signatures for license records. Only the issuing
// side (activation authority, lifecycle writes in tests and tooling) holds a
// private key; deployments carry just the Verifier.
type Signer struct {
	privateKey ed25519.PrivateKey
}

// NewSigner creates a signer from an Ed25519 private key.
func NewSigner(privateKey ed25519.PrivateKey) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return &Signer{privateKey: privateKey}, nil
}

// Sign computes the detached signature over the canonical payload.
// The license's Signature field is not consulted or modified.
func (s *Signer) Sign(lic *domain.License) ([]byte, error) {
	payload, err := CanonicalPayload(lic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize license: %w", err)
	}
	return ed25519.Sign(s.privateKey, payload), nil
}

// Verifier checks detached license signatures against a trusted public key.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier creates a verifier from an Ed25519 public key.
func NewVerifier(publicKey ed25519.PublicKey) (*Verifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return &Verifier{publicKey: publicKey}, nil
}

// NewVerifierFromBase64 creates a verifier from a base64-encoded public key.
func NewVerifierFromBase64(encoded string) (*Verifier, error) {
	publicKey, err := PublicKeyFromBase64(encoded)
	if err != nil {
		return nil, err
	}
	return NewVerifier(publicKey)
}

// Verify re-serializes the license canonically and checks the detached
// signature against it. A license whose current fields do not reproduce the
// signed bytes fails verification, whether the change was a flipped byte or
// a semantic-preserving re-encoding.
func (v *Verifier) Verify(lic *domain.License) (bool, Verdict) {
	payload, err := CanonicalPayload(lic)
	if err != nil {
		return false, VerdictMalformed
	}
	if len(lic.Signature) != ed25519.SignatureSize {
		return false, VerdictMalformed
	}
	if !ed25519.Verify(v.publicKey, payload, lic.Signature) {
		return false, VerdictSignatureMismatch
	}
	return true, VerdictValid
}
