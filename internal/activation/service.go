// Package activation implements the online and offline activation protocols.
//
// Online activation posts the license key and hardware fingerprint to the
// activation authority over HTTPS with a bounded deadline and rate-limited
// attempts. Offline activation generates a request code the operator
// exchanges out-of-band for a signed license; request codes expire so stale
// codes cannot be replayed. Every attempt, either method, leaves an immutable
// activation record.
//
// Dispatch between the two flows is on the explicit ActivationMethod tag, not
// on which optional fields happen to be set.
package activation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"entcore/internal/audit"
	"entcore/internal/config"
	coreerrors "entcore/internal/errors"
	"entcore/internal/fingerprint"
	"entcore/internal/infrastructure"
	"entcore/internal/signature"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// Authority endpoints, relative to the configured base URL.
const (
	activatePath = "/api/v1/activate"
	verifyPath   = "/api/v1/verify"
)

// HostIdentity supplies the hardware fingerprint carried on activation
// requests. Satisfied by *fingerprint.Generator.
type HostIdentity interface {
	Generate() (*fingerprint.Fingerprint, error)
	Matches(stored string) (bool, error)
}

// Service runs activation attempts against the configured authority and
// persists their results.
type Service struct {
	cfg      config.ActivationConfig
	client   *http.Client
	validate *validator.Validate
	limiter  *rate.Limiter
	verifier *signature.Verifier
	fp       HostIdentity
	store    *store.Store
	trail    *audit.Trail
	now      func() time.Time

	// group collapses concurrent phone-home calls into one in-flight request.
	group singleflight.Group

	mu           sync.Mutex
	lastVerified time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHTTPClient replaces the HTTP client, for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// NewService builds an activation service.
func NewService(cfg config.ActivationConfig, verifier *signature.Verifier, fp HostIdentity, st *store.Store, trail *audit.Trail, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		validate: validator.New(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AttemptsPerMinute/60.0), 1),
		verifier: verifier,
		fp:       fp,
		store:    st,
		trail:    trail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate dispatches on the activation method. Offline activation cannot be
// completed in one step, so the offline branch only produces the request
// bundle; CompleteOffline finishes the exchange.
func (s *Service) Activate(ctx context.Context, method domain.ActivationMethod, licenseKey string) (*domain.License, error) {
	switch method {
	case domain.ActivationOnline:
		return s.ActivateOnline(ctx, licenseKey)
	case domain.ActivationOffline:
		return nil, coreerrors.Wrap(coreerrors.CodeActivation,
			"offline activation is a two-step exchange, use GenerateOfflineRequest and CompleteOffline", nil)
	default:
		return nil, coreerrors.Wrap(coreerrors.CodeActivation,
			fmt.Sprintf("unknown activation method %q", method), nil)
	}
}

// ActivateOnline submits the license key and the host fingerprint to the
// authority. A successful response carries a signed license, which is
// verified locally before it is persisted; the authority's word alone is not
// trusted.
func (s *Service) ActivateOnline(ctx context.Context, licenseKey string) (*domain.License, error) {
	if !s.limiter.Allow() {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "activation rate limit reached, retry later", nil)
	}
	if s.cfg.AuthorityURL == "" {
		return nil, coreerrors.Wrap(coreerrors.CodeConfiguration, "no activation authority configured", nil)
	}

	fp, err := s.fp.Generate()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "generating hardware fingerprint", err)
	}

	req := domain.ActivationRequest{
		LicenseKey:  licenseKey,
		Fingerprint: fp.Value,
	}
	if err := s.validate.Struct(&req); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "invalid activation request", err)
	}

	resp, err := s.post(ctx, activatePath, &req)
	if err != nil {
		outcome := domain.ActivationRejected
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = domain.ActivationTimedOut
		}
		s.recordAttempt(ctx, uuid.Nil, domain.ActivationOnline, fp.Value, "", "", outcome)
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "activation authority unreachable", err)
	}

	if resp.License == nil {
		s.recordAttempt(ctx, uuid.Nil, domain.ActivationOnline, fp.Value, "", resp.Reason, domain.ActivationRejected)
		return nil, coreerrors.Wrap(coreerrors.CodeActivation,
			fmt.Sprintf("activation rejected by authority: %s", resp.Reason), nil)
	}

	lic := resp.License
	if ok, verdict := s.verifier.Verify(lic); !ok {
		s.recordAttempt(ctx, lic.ID, domain.ActivationOnline, fp.Value, "", string(verdict), domain.ActivationRejected)
		return nil, coreerrors.Wrap(coreerrors.CodeSignature,
			"authority returned a license with an invalid signature", nil)
	}

	if err := s.persist(ctx, lic); err != nil {
		return nil, err
	}
	s.markVerified()
	s.recordAttempt(ctx, lic.ID, domain.ActivationOnline, fp.Value, "", resp.ActivationID, domain.ActivationSucceeded)

	infrastructure.LoggerWithContext(ctx).Info("online activation succeeded",
		slog.String("license_id", lic.ID.String()),
		slog.String("tier", string(lic.Tier)),
	)
	return lic.Clone(), nil
}

// GenerateOfflineRequest produces the bundle an operator carries to the
// authority out-of-band. The request code is a base64url encoding of the
// bundle itself, so the authority can decode it without a shared database.
func (s *Service) GenerateOfflineRequest(licenseKey string) (*domain.OfflineRequest, error) {
	fp, err := s.fp.Generate()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "generating hardware fingerprint", err)
	}

	req := &domain.OfflineRequest{
		LicenseKey:  licenseKey,
		Fingerprint: fp.Value,
		ExpiresAt:   s.now().Add(s.cfg.OfflineRequestTTL),
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "encoding offline request", err)
	}
	req.RequestCode = base64.RawURLEncoding.EncodeToString(encoded)
	return req, nil
}

// DecodeOfflineRequest reverses GenerateOfflineRequest's encoding. The
// authority side uses this to read a carried request code.
func DecodeOfflineRequest(code string) (*domain.OfflineRequest, error) {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "malformed offline request code", err)
	}
	var req domain.OfflineRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeActivation, "malformed offline request code", err)
	}
	req.RequestCode = code
	return &req, nil
}

// CompleteOffline finishes the offline exchange: the operator brings back the
// signed license the authority issued for the request code. Expired request
// codes are rejected outright, and the license must both verify and match
// this host's fingerprint when hardware-bound.
func (s *Service) CompleteOffline(ctx context.Context, req *domain.OfflineRequest, lic *domain.License) (*domain.License, error) {
	now := s.now()
	if now.After(req.ExpiresAt) {
		s.recordAttempt(ctx, uuid.Nil, domain.ActivationOffline, req.Fingerprint, req.RequestCode, "request_code_expired", domain.ActivationRejected)
		return nil, coreerrors.Wrap(coreerrors.CodeActivation,
			fmt.Sprintf("offline request code expired at %s", req.ExpiresAt.Format(time.RFC3339)), nil)
	}

	if ok, verdict := s.verifier.Verify(lic); !ok {
		s.recordAttempt(ctx, lic.ID, domain.ActivationOffline, req.Fingerprint, req.RequestCode, string(verdict), domain.ActivationRejected)
		return nil, coreerrors.Wrap(coreerrors.CodeSignature,
			"offline activation carries a license with an invalid signature", nil)
	}

	if lic.HardwareBound {
		matches, err := s.fp.Matches(lic.Fingerprint)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeActivation, "checking hardware fingerprint", err)
		}
		if !matches {
			s.recordAttempt(ctx, lic.ID, domain.ActivationOffline, req.Fingerprint, req.RequestCode, "hardware_mismatch", domain.ActivationRejected)
			return nil, coreerrors.ErrHardwareMismatch
		}
	}

	if err := s.persist(ctx, lic); err != nil {
		return nil, err
	}
	s.markVerified()
	s.recordAttempt(ctx, lic.ID, domain.ActivationOffline, req.Fingerprint, req.RequestCode, "", domain.ActivationSucceeded)

	infrastructure.LoggerWithContext(ctx).Info("offline activation completed",
		slog.String("license_id", lic.ID.String()),
	)
	return lic.Clone(), nil
}

// persist stores the activated license, inserting on first activation and
// updating in place on re-activation.
func (s *Service) persist(ctx context.Context, lic *domain.License) error {
	existing, err := s.store.GetLicense(ctx, lic.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.store.InsertLicense(ctx, lic)
	case err != nil:
		return err
	default:
		return s.store.UpdateLicense(ctx, lic, existing.Version)
	}
}

func (s *Service) post(ctx context.Context, path string, req *domain.ActivationRequest) (*domain.ActivationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthorityURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, httpResp.Body)
		httpResp.Body.Close()
	}()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("authority returned status %d", httpResp.StatusCode)
	}

	var resp domain.ActivationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding authority response: %w", err)
	}
	return &resp, nil
}

// recordAttempt writes the immutable activation record and the audit event.
// Persistence failures here are logged, not returned: the activation outcome
// has already been decided.
func (s *Service) recordAttempt(ctx context.Context, licenseID uuid.UUID, method domain.ActivationMethod, fp, requestCode, responseCode string, outcome domain.ActivationOutcome) {
	rec := &domain.ActivationRecord{
		ID:           uuid.New(),
		LicenseID:    licenseID,
		Method:       method,
		Fingerprint:  fp,
		RequestCode:  requestCode,
		ResponseCode: responseCode,
		Outcome:      outcome,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertActivationRecord(ctx, rec); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("recording activation attempt failed",
			slog.Any("error", err),
		)
	}
	if s.trail != nil {
		payload := map[string]string{
			"method":  string(method),
			"outcome": string(outcome),
		}
		if responseCode != "" {
			payload["response_code"] = responseCode
		}
		if err := s.trail.Record(ctx, domain.AuditActivationAttempt, licenseID, payload); err != nil {
			infrastructure.LoggerWithContext(ctx).Error("audit record failed",
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) markVerified() {
	s.mu.Lock()
	s.lastVerified = s.now()
	s.mu.Unlock()
}

// LastVerified reports when the authority last confirmed the license.
func (s *Service) LastVerified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVerified
}
