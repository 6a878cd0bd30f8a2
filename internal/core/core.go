// Package core wires the entitlement subsystems together behind one facade.
// A consuming application constructs a Core with its configuration and the
// vendor's public verification key, then asks it the enforcement questions:
// is the license valid, may this session start, is this feature licensed, is
// the host within its resource limits.
package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"entcore/internal/activation"
	"entcore/internal/audit"
	"entcore/internal/config"
	coreerrors "entcore/internal/errors"
	"entcore/internal/feature"
	"entcore/internal/fingerprint"
	"entcore/internal/infrastructure"
	"entcore/internal/license"
	"entcore/internal/quota"
	"entcore/internal/session"
	"entcore/internal/signature"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// validationCacheTTL bounds how stale a cached validation verdict may be.
// Checks inside the window reuse the verdict instead of re-verifying the
// signature and fingerprint on every call.
const validationCacheTTL = 30 * time.Second

// Core is the entitlement enforcement facade.
type Core struct {
	cfg      *config.Config
	store    *store.Store
	trail    *audit.Trail
	verifier *signature.Verifier
	fp       *fingerprint.Generator

	validator  *license.Validator
	lifecycle  *license.Lifecycle
	registry   *session.Registry
	monitor    *quota.Monitor
	activation *activation.Service
	gate       *feature.Gate
	tokens     *license.TokenStore
	metrics    *Metrics
	now        func() time.Time

	mu       sync.Mutex
	cached   *domain.ValidationResult
	cachedAt time.Time

	closeOnce sync.Once
}

// Option configures a Core.
type Option func(*Core)

// WithClock replaces the wall clock throughout the core, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// WithSigner enables the license lifecycle operations (issue, renew,
// upgrade, suspend, revoke). Only the issuing side holds the private key;
// deployments run verify-only.
func WithSigner(signer *signature.Signer) Option {
	return func(c *Core) {
		c.lifecycle = license.NewLifecycle(c.store, signer, c.trail, license.WithLifecycleClock(c.now))
	}
}

// WithTokenStore enables the encrypted license token file alongside the
// database, so a wiped database does not strand an activated deployment.
func WithTokenStore(ts *license.TokenStore) Option {
	return func(c *Core) { c.tokens = ts }
}

// WithMeter attaches OpenTelemetry instruments to the core.
func WithMeter(meter metric.Meter) Option {
	return func(c *Core) {
		m, err := InitializeMetrics(meter)
		if err != nil {
			infrastructure.GetLogger().Error("initializing core metrics", slog.Any("error", err))
			return
		}
		c.metrics = m
	}
}

// New constructs the core: opens the store, resumes the audit chain, and
// wires validation, sessions, quotas, activation and feature gating. The
// public key is the vendor's license verification key, base64-encoded.
func New(ctx context.Context, cfg *config.Config, publicKeyBase64 string, opts ...Option) (*Core, error) {
	verifier, err := signature.NewVerifierFromBase64(publicKeyBase64)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, cfg.Paths.StoreFile))
	if err != nil {
		return nil, err
	}

	trail, err := audit.New(ctx, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		store:    st,
		trail:    trail,
		verifier: verifier,
		fp:       fingerprint.NewGenerator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.validator = license.NewValidator(verifier, c.fp, trail, license.WithValidatorClock(c.now))
	c.gate = feature.NewGate(c.validator, trail, feature.WithClock(c.now))
	c.activation = activation.NewService(cfg.Activation, verifier, c.fp, st, trail, activation.WithClock(c.now))

	licenseID := uuid.Nil
	capacity := 0
	if lic, err := c.loadLicense(ctx); err == nil {
		licenseID = lic.ID
		capacity = lic.Limits.MaxConcurrentSessions
	}
	c.registry = session.NewRegistry(capacity, licenseID, trail,
		session.WithClock(c.now),
		session.WithPreemption(cfg.Sessions.EnablePreemption),
	)
	c.monitor = quota.NewMonitor(cfg.Enforcement, licenseID, trail)

	return c, nil
}

// Start launches the background loops: stale-session reaping, periodic
// authority reverification, and resource sampling. They stop when ctx is
// cancelled or Close is called.
func (c *Core) Start(ctx context.Context) {
	c.registry.StartReaper(ctx, c.cfg.Sessions.ReapInterval, c.cfg.Sessions.HeartbeatTimeout)
	if c.cfg.Activation.AuthorityURL != "" {
		c.activation.StartReverifier(ctx)
	}
	if lic, err := c.loadLicense(ctx); err == nil {
		c.monitor.Watch(ctx, lic.Limits, c.cfg.Enforcement.SampleInterval)
	}
}

// Close releases the store and stops the reaper.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.registry.Stop()
		err = c.store.Close()
	})
	return err
}

// loadLicense fetches the authoritative license record, falling back to the
// encrypted token file when the database has none.
func (c *Core) loadLicense(ctx context.Context) (*domain.License, error) {
	lic, err := c.store.CurrentLicense(ctx)
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c.tokens == nil {
		return nil, coreerrors.ErrNoLicense
	}
	lic, tokenErr := c.tokens.Load()
	if tokenErr != nil {
		return nil, coreerrors.ErrNoLicense
	}
	// Rehydrate the database from the token so the two stay aligned.
	if insertErr := c.store.InsertLicense(ctx, lic); insertErr != nil {
		infrastructure.LoggerWithContext(ctx).Warn("rehydrating license from token failed",
			slog.Any("error", insertErr),
		)
	}
	return lic, nil
}

// Validate answers whether the deployment is currently entitled to run.
// Verdicts are cached briefly; state-changing operations invalidate the
// cache so a revocation is never masked by it.
func (c *Core) Validate(ctx context.Context) (*domain.ValidationResult, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < validationCacheTTL {
		cached := c.cached
		c.mu.Unlock()
		c.count(ctx, c.metricOrNil().ValidationCacheHits)
		return cached, nil
	}
	c.mu.Unlock()
	c.count(ctx, c.metricOrNil().ValidationCacheMisses)

	lic, err := c.loadLicense(ctx)
	if err != nil && !errors.Is(err, coreerrors.ErrNoLicense) {
		return nil, err
	}

	c.count(ctx, c.metricOrNil().ValidationAttempts)
	result := c.validator.Validate(ctx, lic)
	if !result.Valid {
		c.count(ctx, c.metricOrNil().ValidationFailures)
	}

	c.mu.Lock()
	c.cached = result
	c.cachedAt = c.now()
	c.mu.Unlock()
	return result, nil
}

// InvalidateCache drops the cached validation verdict. Lifecycle operations
// and activations call this so the next check sees the new state.
func (c *Core) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// RegisterSession admits a new concurrent session if the license is valid
// and capacity remains. The capacity check and the registration are a single
// atomic step inside the registry.
func (c *Core) RegisterSession(ctx context.Context, userID string, priority int) (*domain.Session, error) {
	result, err := c.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, denialError(result)
	}

	sess, err := c.registry.CheckAndRegister(ctx, userID, priority)
	if err != nil {
		c.count(ctx, c.metricOrNil().SessionRejections)
		return nil, err
	}
	c.count(ctx, c.metricOrNil().SessionAdmissions)
	if m := c.metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
	}
	return sess, nil
}

// ReleaseSession frees a session slot. Safe to call more than once.
func (c *Core) ReleaseSession(ctx context.Context, sessionID uuid.UUID) {
	before := c.registry.ActiveCount()
	c.registry.Release(ctx, sessionID)
	if m := c.metrics; m != nil && c.registry.ActiveCount() < before {
		m.ActiveSessions.Add(ctx, -1)
	}
}

// Heartbeat refreshes a session so the reaper keeps it alive. False means
// the session is gone and the client must re-register.
func (c *Core) Heartbeat(sessionID uuid.UUID) bool {
	return c.registry.Touch(sessionID)
}

// CheckConcurrentLimit reports whether another session could currently be
// admitted, without admitting one. An admission decision still belongs to
// RegisterSession; two calls can race.
func (c *Core) CheckConcurrentLimit(ctx context.Context) error {
	stats := c.registry.Stats()
	if stats.Active >= stats.Capacity {
		return coreerrors.ErrQuotaExceeded
	}
	return nil
}

// SessionStats returns a snapshot of the registry counters.
func (c *Core) SessionStats() domain.RegistryStats {
	return c.registry.Stats()
}

// ForceLogout releases every session belonging to the user.
func (c *Core) ForceLogout(ctx context.Context, userID, reason string) int {
	n := c.registry.ForceLogout(ctx, userID, reason)
	if m := c.metrics; m != nil && n > 0 {
		m.ActiveSessions.Add(ctx, int64(-n))
	}
	return n
}

// CheckFeatureAccess decides whether the license permits the feature.
func (c *Core) CheckFeatureAccess(ctx context.Context, featureTag string) (feature.Decision, error) {
	lic, err := c.loadLicense(ctx)
	if err != nil && !errors.Is(err, coreerrors.ErrNoLicense) {
		return feature.Decision{}, err
	}
	d := c.gate.Check(ctx, lic, featureTag)
	if !d.Allowed {
		c.count(ctx, c.metricOrNil().FeatureDenials)
	}
	return d, nil
}

// CheckResourceLimit evaluates the host against the licensed resource
// ceilings. In hard mode an overage returns ErrQuotaExceeded.
func (c *Core) CheckResourceLimit(ctx context.Context) (quota.CheckResult, error) {
	lic, err := c.loadLicense(ctx)
	if err != nil {
		return quota.CheckResult{}, err
	}
	res, err := c.monitor.Check(ctx, lic.Limits)
	if res.Denied {
		c.count(ctx, c.metricOrNil().ResourceDenials)
	}
	return res, err
}

// ActivateOnline performs online activation against the configured
// authority and adopts the returned license.
func (c *Core) ActivateOnline(ctx context.Context, licenseKey string) (*domain.License, error) {
	c.count(ctx, c.metricOrNil().ActivationAttempts)
	lic, err := c.activation.ActivateOnline(ctx, licenseKey)
	if err != nil {
		c.count(ctx, c.metricOrNil().ActivationFailures)
		return nil, err
	}
	c.adopt(ctx, lic)
	return lic, nil
}

// GenerateOfflineRequest produces the out-of-band activation bundle.
func (c *Core) GenerateOfflineRequest(licenseKey string) (*domain.OfflineRequest, error) {
	return c.activation.GenerateOfflineRequest(licenseKey)
}

// CompleteOfflineActivation finishes the offline exchange with the signed
// license brought back from the authority.
func (c *Core) CompleteOfflineActivation(ctx context.Context, req *domain.OfflineRequest, lic *domain.License) (*domain.License, error) {
	c.count(ctx, c.metricOrNil().ActivationAttempts)
	adopted, err := c.activation.CompleteOffline(ctx, req, lic)
	if err != nil {
		c.count(ctx, c.metricOrNil().ActivationFailures)
		return nil, err
	}
	c.adopt(ctx, adopted)
	return adopted, nil
}

// adopt points enforcement at a newly activated license.
func (c *Core) adopt(ctx context.Context, lic *domain.License) {
	c.InvalidateCache()
	c.registry.SetLicense(lic.ID)
	c.registry.SetCapacity(lic.Limits.MaxConcurrentSessions)
	c.monitor = quota.NewMonitor(c.cfg.Enforcement, lic.ID, c.trail)
	if c.tokens != nil {
		if err := c.tokens.Save(lic); err != nil {
			infrastructure.LoggerWithContext(ctx).Warn("persisting license token failed",
				slog.Any("error", err),
			)
		}
	}
}

// ExportAuditLog writes the audit events in [from, to) as JSON lines and
// returns how many were written.
func (c *Core) ExportAuditLog(ctx context.Context, w io.Writer, from, to time.Time) (int, error) {
	return c.trail.Export(ctx, w, from, to)
}

// VerifyAuditChain re-walks the audit trail from genesis and reports the
// first break, if any.
func (c *Core) VerifyAuditChain(ctx context.Context) error {
	return c.trail.VerifyChain(ctx)
}

// CurrentLicense returns a snapshot of the authoritative license record.
func (c *Core) CurrentLicense(ctx context.Context) (*domain.License, error) {
	lic, err := c.loadLicense(ctx)
	if err != nil {
		return nil, err
	}
	return lic.Clone(), nil
}

// RenewalStatus reports days left and whether a renewal reminder is due.
func (c *Core) RenewalStatus(ctx context.Context) (license.RenewalInfo, error) {
	lic, err := c.loadLicense(ctx)
	if err != nil {
		return license.RenewalInfo{}, err
	}
	return license.Renewal(lic, c.now()), nil
}

// Lifecycle exposes the issue/renew/upgrade/suspend/revoke operations, or
// nil when no signing key was configured.
func (c *Core) Lifecycle() *license.Lifecycle {
	return c.lifecycle
}

// Degraded reports whether the core is operating past the offline tolerance
// window without authority confirmation.
func (c *Core) Degraded() bool {
	return c.activation.Degraded()
}

// denialError maps a validation verdict onto the error taxonomy.
func denialError(result *domain.ValidationResult) error {
	switch {
	case result.HasReason(domain.ReasonTampered):
		return coreerrors.ErrSignature
	case result.HasReason(domain.ReasonHardwareMismatch):
		return coreerrors.ErrHardwareMismatch
	case result.HasReason(domain.ReasonExpired):
		return coreerrors.ErrExpired
	case result.HasReason(domain.ReasonNotLicensed):
		return coreerrors.ErrNoLicense
	default:
		return coreerrors.Wrap(coreerrors.CodeConfiguration,
			"license is not valid: "+firstOf(result.Reasons), nil)
	}
}

func firstOf(reasons []string) string {
	if len(reasons) == 0 {
		return "unknown"
	}
	return reasons[0]
}

// count increments a counter if metrics are attached.
func (c *Core) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

// metricOrNil lets call sites stay unconditional: with no metrics attached
// every field reads as nil and count is a no-op.
func (c *Core) metricOrNil() *Metrics {
	if c.metrics == nil {
		return &Metrics{}
	}
	return c.metrics
}
