// Package session enforces the concurrent-session quota from the validated
// license. The registry is the single writer of the shared count: admission
// is an indivisible check-and-increment under one mutex, so capacity is
// never exceeded regardless of how many callers race.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"entcore/internal/audit"
	coreerrors "entcore/internal/errors"
	"entcore/internal/infrastructure"
	"entcore/pkg/contracts/domain"
)

// Registry tracks active sessions against the licensed capacity.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	capacity int

	preemption bool
	licenseID  uuid.UUID
	trail      *audit.Trail
	now        func() time.Time

	admitted  int64
	rejected  int64
	reaped    int64
	forcedOut int64
	preempted int64

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPreemption enables priority preemption: when at capacity, a strictly
// higher-priority arrival forces out the lowest-priority active session.
// Off by default.
func WithPreemption(enabled bool) Option {
	return func(r *Registry) { r.preemption = enabled }
}

// NewRegistry creates a registry with the given capacity. The license id is
// carried onto audit events.
func NewRegistry(capacity int, licenseID uuid.UUID, trail *audit.Trail, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[uuid.UUID]*domain.Session),
		capacity:  capacity,
		licenseID: licenseID,
		trail:     trail,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckAndRegister atomically tests count < capacity and, if so, admits a
// new session in the same critical section. The check and the increment are
// never separated; two racing callers can never both pass a stale check.
// At capacity it returns ErrQuotaExceeded with no side effects, unless
// preemption is enabled and the arrival outranks the weakest active session.
func (r *Registry) CheckAndRegister(ctx context.Context, userID string, priority int) (*domain.Session, error) {
	r.mu.Lock()

	var victim *domain.Session
	if len(r.sessions) >= r.capacity {
		if r.preemption {
			victim = r.preemptLocked(priority)
		}
		if victim == nil {
			r.rejected++
			r.mu.Unlock()
			r.record(ctx, domain.AuditSessionRejected, map[string]string{
				"user_id": userID,
				"reason":  domain.ReasonQuotaExceeded,
			})
			return nil, coreerrors.ErrQuotaExceeded
		}
	}

	now := r.now()
	sess := &domain.Session{
		ID:            uuid.New(),
		UserID:        userID,
		Priority:      priority,
		CreatedAt:     now,
		LastHeartbeat: now,
		Status:        domain.SessionStatusActive,
	}
	r.sessions[sess.ID] = sess
	r.admitted++
	r.mu.Unlock()

	if victim != nil {
		r.record(ctx, domain.AuditForceLogout, map[string]string{
			"session_id": victim.ID.String(),
			"user_id":    victim.UserID,
			"reason":     "priority_preemption",
		})
	}
	r.record(ctx, domain.AuditSessionAdmitted, map[string]string{
		"session_id": sess.ID.String(),
		"user_id":    userID,
	})
	return sess, nil
}

// Release removes a session and frees its slot. Releasing an unknown or
// already-released session is a no-op, not an error.
func (r *Registry) Release(ctx context.Context, sessionID uuid.UUID) {
	r.mu.Lock()
	sess, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if exists {
		r.record(ctx, domain.AuditSessionReleased, map[string]string{
			"session_id": sessionID.String(),
			"user_id":    sess.UserID,
		})
	}
}

// Touch refreshes a session's heartbeat. Unknown sessions report false so
// the client knows to re-register.
func (r *Registry) Touch(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[sessionID]
	if !exists {
		return false
	}
	sess.LastHeartbeat = r.now()
	return true
}

// ActiveCount returns the number of currently admitted sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetCapacity adjusts the ceiling, e.g. after a license upgrade. Existing
// sessions above a lowered ceiling are left to drain naturally.
func (r *Registry) SetCapacity(capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = capacity
}

// SetLicense retags future audit events, used when the registry outlives an
// activation that replaced the license record.
func (r *Registry) SetLicense(licenseID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.licenseID = licenseID
}

// ReapExpired releases every session whose last heartbeat is older than
// timeout. Runs off a periodic timer, never on the admission path.
func (r *Registry) ReapExpired(ctx context.Context, timeout time.Duration) int {
	cutoff := r.now().Add(-timeout)

	r.mu.Lock()
	var stale []*domain.Session
	for id, sess := range r.sessions {
		if sess.LastHeartbeat.Before(cutoff) {
			sess.Status = domain.SessionStatusExpired
			stale = append(stale, sess)
			delete(r.sessions, id)
		}
	}
	r.reaped += int64(len(stale))
	r.mu.Unlock()

	for _, sess := range stale {
		r.record(ctx, domain.AuditSessionReaped, map[string]string{
			"session_id": sess.ID.String(),
			"user_id":    sess.UserID,
		})
	}
	return len(stale)
}

// ForceLogout releases all sessions for a user, e.g. an administrative
// override to reclaim capacity. Returns the number of sessions released.
func (r *Registry) ForceLogout(ctx context.Context, userID, reason string) int {
	r.mu.Lock()
	var removed []uuid.UUID
	for id, sess := range r.sessions {
		if sess.UserID == userID {
			removed = append(removed, id)
			delete(r.sessions, id)
		}
	}
	r.forcedOut += int64(len(removed))
	r.mu.Unlock()

	for _, id := range removed {
		r.record(ctx, domain.AuditForceLogout, map[string]string{
			"session_id": id.String(),
			"user_id":    userID,
			"reason":     reason,
		})
	}
	return len(removed)
}

// StartReaper runs the periodic reaping loop until Stop or ctx cancellation.
func (r *Registry) StartReaper(ctx context.Context, interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.ReapExpired(ctx, timeout); n > 0 {
					infrastructure.LoggerWithContext(ctx).Info("reaped stale sessions",
						slog.Int("count", n),
						slog.Duration("timeout", timeout),
					)
				}
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the reaper goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Stats returns a point-in-time snapshot of registry counters.
func (r *Registry) Stats() domain.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RegistryStats{
		Active:    len(r.sessions),
		Capacity:  r.capacity,
		Admitted:  r.admitted,
		Rejected:  r.rejected,
		Reaped:    r.reaped,
		ForcedOut: r.forcedOut,
		Preempted: r.preempted,
	}
}

// preemptLocked evicts and returns the lowest-priority session if the
// arrival strictly outranks it, nil otherwise. Caller holds the mutex.
func (r *Registry) preemptLocked(priority int) *domain.Session {
	victims := make([]*domain.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		victims = append(victims, sess)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Priority != victims[j].Priority {
			return victims[i].Priority < victims[j].Priority
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	if len(victims) == 0 || victims[0].Priority >= priority {
		return nil
	}

	victim := victims[0]
	delete(r.sessions, victim.ID)
	r.preempted++
	return victim
}

func (r *Registry) record(ctx context.Context, eventType domain.AuditEventType, payload map[string]string) {
	if r.trail == nil {
		return
	}
	r.mu.Lock()
	licenseID := r.licenseID
	r.mu.Unlock()
	if err := r.trail.Record(ctx, eventType, licenseID, payload); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("audit record failed",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
	}
}
