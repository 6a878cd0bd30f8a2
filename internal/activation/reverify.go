package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreerrors "entcore/internal/errors"
	"entcore/internal/infrastructure"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// Reverify phones home to confirm the persisted license is still honored by
// the authority. Concurrent callers collapse into a single in-flight request.
// While the authority is unreachable, a verification inside the cache
// tolerance window keeps the deployment operating; past the window the core
// fails closed and Reverify returns an error.
func (s *Service) Reverify(ctx context.Context) error {
	_, err, _ := s.group.Do("reverify", func() (interface{}, error) {
		return nil, s.reverifyOnce(ctx)
	})
	return err
}

func (s *Service) reverifyOnce(ctx context.Context) error {
	lic, err := s.store.CurrentLicense(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return coreerrors.ErrNoLicense
	}
	if err != nil {
		return err
	}

	fp, err := s.fp.Generate()
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeActivation, "generating hardware fingerprint", err)
	}

	req := domain.ActivationRequest{LicenseKey: lic.Key, Fingerprint: fp.Value}
	resp, err := s.post(ctx, verifyPath, &req)
	if err != nil {
		return s.degrade(ctx, err)
	}

	if resp.License == nil {
		// Authority no longer honors the license. Quarantine beats the
		// tolerance window: this is a definitive answer, not an outage.
		s.recordAttempt(ctx, lic.ID, domain.ActivationOnline, fp.Value, "", resp.Reason, domain.ActivationRejected)
		return coreerrors.Wrap(coreerrors.CodeActivation,
			fmt.Sprintf("authority no longer honors license: %s", resp.Reason), nil)
	}

	fresh := resp.License
	if ok, _ := s.verifier.Verify(fresh); !ok {
		return coreerrors.ErrSignature
	}
	if err := s.persist(ctx, fresh); err != nil {
		return err
	}
	s.markVerified()

	infrastructure.LoggerWithContext(ctx).Debug("license reverified",
		slog.String("license_id", fresh.ID.String()),
	)
	return nil
}

// degrade decides whether an unreachable authority is tolerable. Within the
// cache tolerance window the previous verification still stands; beyond it
// the core fails closed.
func (s *Service) degrade(ctx context.Context, cause error) error {
	s.mu.Lock()
	last := s.lastVerified
	s.mu.Unlock()

	age := s.now().Sub(last)
	if !last.IsZero() && age <= s.cfg.CacheTolerance {
		infrastructure.LoggerWithContext(ctx).Warn("authority unreachable, operating on cached verification",
			slog.Duration("verification_age", age),
			slog.Duration("tolerance", s.cfg.CacheTolerance),
			slog.Any("error", cause),
		)
		return nil
	}
	return coreerrors.Wrap(coreerrors.CodeActivation,
		"authority unreachable and cached verification is stale", cause)
}

// Degraded reports whether the core is running on a cached verification that
// has outlived the tolerance window.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVerified.IsZero() || s.now().Sub(s.lastVerified) > s.cfg.CacheTolerance
}

// StartReverifier runs the periodic phone-home loop until ctx is done.
// Errors are logged; enforcement reacts through Degraded, not through this
// goroutine.
func (s *Service) StartReverifier(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.ReverifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Reverify(ctx); err != nil {
					infrastructure.LoggerWithContext(ctx).Error("periodic reverification failed",
						slog.Any("error", err),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
