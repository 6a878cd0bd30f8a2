package activation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entcore/internal/activation/authoritytest"
	"entcore/internal/audit"
	"entcore/internal/config"
	coreerrors "entcore/internal/errors"
	"entcore/internal/fingerprint"
	"entcore/internal/signature"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// stubHost reports a fixed 64-hex-char fingerprint.
type stubHost struct {
	value string
}

func newStubHost() *stubHost {
	return &stubHost{value: strings.Repeat("ab", 32)}
}

func (s *stubHost) Generate() (*fingerprint.Fingerprint, error) {
	return &fingerprint.Fingerprint{Value: s.value}, nil
}

func (s *stubHost) Matches(stored string) (bool, error) {
	return s.value == stored, nil
}

type testEnv struct {
	service   *Service
	authority *authoritytest.Authority
	store     *store.Store
	signer    *signature.Signer
	host      *stubHost
	now       time.Time
}

func newTestEnv(t *testing.T, mutateCfg func(*config.ActivationConfig)) *testEnv {
	t.Helper()

	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := signature.NewSigner(kp.PrivateKey)
	require.NoError(t, err)
	verifier, err := signature.NewVerifier(kp.PublicKey)
	require.NoError(t, err)

	authority := authoritytest.New(signer)
	t.Cleanup(authority.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "entitlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	trail, err := audit.New(context.Background(), st)
	require.NoError(t, err)

	cfg := config.ActivationConfig{
		AuthorityURL:      authority.URL(),
		Timeout:           5 * time.Second,
		CacheTolerance:    4 * time.Hour,
		ReverifyInterval:  time.Hour,
		OfflineRequestTTL: 72 * time.Hour,
		AttemptsPerMinute: 6000,
	}
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	env := &testEnv{
		authority: authority,
		store:     st,
		signer:    signer,
		host:      newStubHost(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.service = NewService(cfg, verifier, env.host, st, trail,
		WithClock(func() time.Time { return env.now }))
	return env
}

func grantedLicense(t *testing.T, env *testEnv, mutate func(*domain.License)) *domain.License {
	t.Helper()
	lic := &domain.License{
		ID:       uuid.New(),
		Key:      "ENTC-TEST-0001-ABCD",
		Tier:     domain.TierProfessional,
		Features: []string{"reports"},
		Limits: domain.LicenseLimits{
			MaxConcurrentSessions: 3,
			MaxCPUCores:           8,
		},
		ValidFrom:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:      time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		GracePeriodDays: 7,
		Subscription:    domain.SubscriptionPeriodic,
		Status:          domain.LicenseStatusPending,
		Version:         1,
		IssuedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(lic)
	}
	env.authority.Grant(lic)
	return lic
}

func TestActivateOnlineSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	lic, err := env.service.ActivateOnline(ctx, granted.Key)
	require.NoError(t, err)
	assert.Equal(t, granted.ID, lic.ID)
	assert.Equal(t, domain.LicenseStatusActive, lic.Status)
	assert.NotEmpty(t, lic.Signature)

	// persisted
	stored, err := env.store.GetLicense(ctx, granted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusActive, stored.Status)

	// immutable record written
	records, err := env.store.ActivationRecords(ctx, granted.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActivationOnline, records[0].Method)
	assert.Equal(t, domain.ActivationSucceeded, records[0].Outcome)

	assert.False(t, env.service.LastVerified().IsZero())
}

func TestActivateOnlineBindsHardware(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, func(l *domain.License) { l.HardwareBound = true })

	lic, err := env.service.ActivateOnline(context.Background(), granted.Key)
	require.NoError(t, err)
	assert.Equal(t, env.host.value, lic.Fingerprint)
}

func TestActivateOnlineUnknownKeyRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.service.ActivateOnline(context.Background(), "ENTC-UNKNOWN-KEY")
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestActivateOnlineShortKeyRejectedLocally(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.service.ActivateOnline(context.Background(), "short")
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestActivateOnlineAuthorityDown(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	env.authority.SetUnreachable(true)

	_, err := env.service.ActivateOnline(context.Background(), granted.Key)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestActivateOnlineTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ActivationConfig) { cfg.Timeout = 50 * time.Millisecond })
	granted := grantedLicense(t, env, nil)
	env.authority.SetDelay(500 * time.Millisecond)

	_, err := env.service.ActivateOnline(context.Background(), granted.Key)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)

	// The timeout is recorded as its own outcome, not a generic rejection.
	records, err := env.store.ActivationRecords(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActivationTimedOut, records[0].Outcome)
}

func TestActivateOnlineNoAuthorityConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ActivationConfig) { cfg.AuthorityURL = "" })

	_, err := env.service.ActivateOnline(context.Background(), "ENTC-TEST-0001-ABCD")
	assert.Equal(t, coreerrors.CodeConfiguration, coreerrors.CodeOf(err))
}

func TestActivateOnlineRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ActivationConfig) { cfg.AttemptsPerMinute = 1 })
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	_, err := env.service.ActivateOnline(ctx, granted.Key)
	require.NoError(t, err)

	_, err = env.service.ActivateOnline(ctx, granted.Key)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestActivateDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	lic, err := env.service.Activate(ctx, domain.ActivationOnline, granted.Key)
	require.NoError(t, err)
	assert.Equal(t, granted.ID, lic.ID)

	_, err = env.service.Activate(ctx, domain.ActivationOffline, granted.Key)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)

	_, err = env.service.Activate(ctx, domain.ActivationMethod("carrier-pigeon"), granted.Key)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestOfflineRequestRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := env.service.GenerateOfflineRequest("ENTC-TEST-0001-ABCD")
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestCode)
	assert.Equal(t, env.host.value, req.Fingerprint)
	assert.True(t, req.ExpiresAt.Equal(env.now.Add(72*time.Hour)))

	decoded, err := DecodeOfflineRequest(req.RequestCode)
	require.NoError(t, err)
	assert.Equal(t, req.LicenseKey, decoded.LicenseKey)
	assert.Equal(t, req.Fingerprint, decoded.Fingerprint)
	assert.True(t, req.ExpiresAt.Equal(decoded.ExpiresAt))

	_, err = DecodeOfflineRequest("%%% not base64 %%%")
	assert.Error(t, err)
}

func signedByEnv(t *testing.T, env *testEnv, mutate func(*domain.License)) *domain.License {
	t.Helper()
	lic := &domain.License{
		ID:              uuid.New(),
		Key:             "ENTC-TEST-0001-ABCD",
		Tier:            domain.TierProfessional,
		Features:        []string{"reports"},
		Limits:          domain.LicenseLimits{MaxConcurrentSessions: 3},
		ValidFrom:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:      time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		GracePeriodDays: 7,
		Subscription:    domain.SubscriptionPeriodic,
		Status:          domain.LicenseStatusActive,
		Version:         1,
	}
	if mutate != nil {
		mutate(lic)
	}
	sig, err := env.signer.Sign(lic)
	require.NoError(t, err)
	lic.Signature = sig
	return lic
}

func TestCompleteOfflineSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req, err := env.service.GenerateOfflineRequest("ENTC-TEST-0001-ABCD")
	require.NoError(t, err)
	lic := signedByEnv(t, env, nil)

	adopted, err := env.service.CompleteOffline(ctx, req, lic)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, adopted.ID)

	records, err := env.store.ActivationRecords(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActivationOffline, records[0].Method)
	assert.Equal(t, domain.ActivationSucceeded, records[0].Outcome)
	assert.Equal(t, req.RequestCode, records[0].RequestCode)
}

func TestCompleteOfflineExpiredRequestCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req, err := env.service.GenerateOfflineRequest("ENTC-TEST-0001-ABCD")
	require.NoError(t, err)
	lic := signedByEnv(t, env, nil)

	// The operator sat on the request code past its TTL.
	env.now = env.now.Add(73 * time.Hour)

	_, err = env.service.CompleteOffline(ctx, req, lic)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)

	// Nothing was persisted.
	_, err = env.store.GetLicense(ctx, lic.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteOfflineTamperedLicense(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req, err := env.service.GenerateOfflineRequest("ENTC-TEST-0001-ABCD")
	require.NoError(t, err)
	lic := signedByEnv(t, env, nil)
	lic.Limits.MaxConcurrentSessions = 10000

	_, err = env.service.CompleteOffline(ctx, req, lic)
	assert.ErrorIs(t, err, coreerrors.ErrSignature)
}

func TestCompleteOfflineHardwareMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req, err := env.service.GenerateOfflineRequest("ENTC-TEST-0001-ABCD")
	require.NoError(t, err)
	lic := signedByEnv(t, env, func(l *domain.License) {
		l.HardwareBound = true
		l.Fingerprint = strings.Repeat("ff", 32) // someone else's machine
	})

	_, err = env.service.CompleteOffline(ctx, req, lic)
	assert.ErrorIs(t, err, coreerrors.ErrHardwareMismatch)
}

func TestReverifyRefreshesLicense(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	_, err := env.service.ActivateOnline(ctx, granted.Key)
	require.NoError(t, err)

	require.NoError(t, env.service.Reverify(ctx))
	assert.False(t, env.service.Degraded())
}

func TestReverifyToleratesOutageWithinWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	_, err := env.service.ActivateOnline(ctx, granted.Key)
	require.NoError(t, err)

	env.authority.SetUnreachable(true)

	// Inside the tolerance window the cached verification carries the
	// deployment.
	env.now = env.now.Add(2 * time.Hour)
	assert.NoError(t, env.service.Reverify(ctx))
	assert.False(t, env.service.Degraded())

	// Past the window the core fails closed.
	env.now = env.now.Add(3 * time.Hour)
	err = env.service.Reverify(ctx)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
	assert.True(t, env.service.Degraded())
}

func TestReverifyQuarantinesRevokedKey(t *testing.T) {
	env := newTestEnv(t, nil)
	granted := grantedLicense(t, env, nil)
	ctx := context.Background()

	_, err := env.service.ActivateOnline(ctx, granted.Key)
	require.NoError(t, err)

	// The authority now answers definitively: the key is gone. The cache
	// tolerance window does not apply to definitive rejections.
	env.authority.Revoke(granted.Key)

	err = env.service.Reverify(ctx)
	assert.ErrorIs(t, err, coreerrors.ErrActivation)
}

func TestReverifyWithoutLicense(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.service.Reverify(context.Background())
	assert.ErrorIs(t, err, coreerrors.ErrNoLicense)
}
