package license

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"entcore/internal/audit"
	"entcore/internal/signature"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// stubHost is a HostIdentity with a fixed fingerprint.
type stubHost struct {
	value string
	err   error
}

func (s *stubHost) Matches(stored string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.value == stored, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "entitlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestTrail(t *testing.T, st *store.Store) *audit.Trail {
	t.Helper()
	trail, err := audit.New(context.Background(), st)
	require.NoError(t, err)
	return trail
}

func newTestKeys(t *testing.T) (*signature.Signer, *signature.Verifier) {
	t.Helper()
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := signature.NewSigner(kp.PrivateKey)
	require.NoError(t, err)
	verifier, err := signature.NewVerifier(kp.PublicKey)
	require.NoError(t, err)
	return signer, verifier
}

func signedLicense(t *testing.T, signer *signature.Signer, mutate func(*domain.License)) *domain.License {
	t.Helper()
	lic := &domain.License{
		ID:       uuid.New(),
		Key:      "ENTC-TEST-0001-ABCD",
		Tier:     domain.TierProfessional,
		Features: []string{"reports", "export"},
		Limits: domain.LicenseLimits{
			MaxConcurrentSessions: 3,
			MaxCPUCores:           8,
			MaxStorageBytes:       1 << 30,
			MaxProjects:           25,
		},
		ValidFrom:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		GracePeriodDays: 7,
		Subscription:    domain.SubscriptionPeriodic,
		Status:          domain.LicenseStatusActive,
		Version:         1,
		IssuedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(lic)
	}
	sig, err := signer.Sign(lic)
	require.NoError(t, err)
	lic.Signature = sig
	return lic
}

// eventsOfType counts trail events of one type over the whole range.
func eventsOfType(t *testing.T, trail *audit.Trail, eventType domain.AuditEventType) []domain.AuditEvent {
	t.Helper()
	all, err := trail.Range(context.Background(), time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	var out []domain.AuditEvent
	for _, ev := range all {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
