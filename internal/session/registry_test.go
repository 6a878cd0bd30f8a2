package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "entcore/internal/errors"
	"entcore/pkg/contracts/domain"
)

func newRegistry(t *testing.T, capacity int, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(capacity, uuid.New(), nil, opts...)
	t.Cleanup(r.Stop)
	return r
}

func TestCheckAndRegisterWithinCapacity(t *testing.T) {
	r := newRegistry(t, 2)
	ctx := context.Background()

	first, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, first.Status)

	_, err = r.CheckAndRegister(ctx, "bob", 0)
	require.NoError(t, err)

	_, err = r.CheckAndRegister(ctx, "carol", 0)
	assert.ErrorIs(t, err, coreerrors.ErrQuotaExceeded)
	assert.Equal(t, 2, r.ActiveCount())
}

func TestConcurrentRegistrationNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	const attempts = 5

	r := newRegistry(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, rejected int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := r.CheckAndRegister(ctx, fmt.Sprintf("user-%d", n), 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, coreerrors.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, admitted)
	assert.Equal(t, attempts-capacity, rejected)
	assert.Equal(t, capacity, r.ActiveCount())

	stats := r.Stats()
	assert.EqualValues(t, capacity, stats.Admitted)
	assert.EqualValues(t, attempts-capacity, stats.Rejected)
}

func TestConcurrentRegistrationHighContention(t *testing.T) {
	const capacity = 10
	const attempts = 200

	r := newRegistry(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.CheckAndRegister(ctx, fmt.Sprintf("user-%d", n), 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, r.ActiveCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newRegistry(t, 1)
	ctx := context.Background()

	sess, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)

	r.Release(ctx, sess.ID)
	assert.Equal(t, 0, r.ActiveCount())

	// double release and unknown id are no-ops
	r.Release(ctx, sess.ID)
	r.Release(ctx, uuid.New())
	assert.Equal(t, 0, r.ActiveCount())

	// the freed slot is reusable
	_, err = r.CheckAndRegister(ctx, "bob", 0)
	assert.NoError(t, err)
}

func TestTouchRefreshesHeartbeat(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRegistry(t, 1, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	sess, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)

	current = current.Add(4 * time.Minute)
	assert.True(t, r.Touch(sess.ID))
	assert.False(t, r.Touch(uuid.New()))

	// The touch moved the heartbeat, so a 5 minute timeout measured from
	// the original registration no longer reaps it.
	current = current.Add(2 * time.Minute)
	assert.Equal(t, 0, r.ReapExpired(ctx, 5*time.Minute))
	assert.Equal(t, 1, r.ActiveCount())
}

func TestReapExpiredReleasesStaleSessions(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRegistry(t, 3, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	stale, err := r.CheckAndRegister(ctx, "idle", 0)
	require.NoError(t, err)

	current = current.Add(10 * time.Minute)
	fresh, err := r.CheckAndRegister(ctx, "busy", 0)
	require.NoError(t, err)

	reaped := r.ReapExpired(ctx, 5*time.Minute)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, r.ActiveCount())
	assert.False(t, r.Touch(stale.ID))
	assert.True(t, r.Touch(fresh.ID))

	stats := r.Stats()
	assert.EqualValues(t, 1, stats.Reaped)
}

func TestForceLogout(t *testing.T) {
	r := newRegistry(t, 5)
	ctx := context.Background()

	_, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)
	_, err = r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)
	_, err = r.CheckAndRegister(ctx, "bob", 0)
	require.NoError(t, err)

	n := r.ForceLogout(ctx, "alice", "admin request")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, r.ActiveCount())

	assert.Equal(t, 0, r.ForceLogout(ctx, "nobody", "admin request"))
}

func TestSetCapacity(t *testing.T) {
	r := newRegistry(t, 1)
	ctx := context.Background()

	_, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)
	_, err = r.CheckAndRegister(ctx, "bob", 0)
	assert.ErrorIs(t, err, coreerrors.ErrQuotaExceeded)

	r.SetCapacity(2)
	_, err = r.CheckAndRegister(ctx, "bob", 0)
	assert.NoError(t, err)

	// Lowering below the active count strands no one; existing sessions
	// drain naturally while new admissions are refused.
	r.SetCapacity(1)
	assert.Equal(t, 2, r.ActiveCount())
	_, err = r.CheckAndRegister(ctx, "carol", 0)
	assert.ErrorIs(t, err, coreerrors.ErrQuotaExceeded)
}

func TestPreemptionDisabledByDefault(t *testing.T) {
	r := newRegistry(t, 1)
	ctx := context.Background()

	low, err := r.CheckAndRegister(ctx, "low", 1)
	require.NoError(t, err)

	_, err = r.CheckAndRegister(ctx, "high", 10)
	assert.ErrorIs(t, err, coreerrors.ErrQuotaExceeded)
	assert.True(t, r.Touch(low.ID))
}

func TestPreemptionEvictsLowestPriority(t *testing.T) {
	r := newRegistry(t, 2, WithPreemption(true))
	ctx := context.Background()

	low, err := r.CheckAndRegister(ctx, "low", 1)
	require.NoError(t, err)
	mid, err := r.CheckAndRegister(ctx, "mid", 5)
	require.NoError(t, err)

	high, err := r.CheckAndRegister(ctx, "high", 10)
	require.NoError(t, err)

	assert.False(t, r.Touch(low.ID), "lowest priority session should be evicted")
	assert.True(t, r.Touch(mid.ID))
	assert.True(t, r.Touch(high.ID))

	stats := r.Stats()
	assert.EqualValues(t, 1, stats.Preempted)
}

func TestPreemptionRequiresStrictlyHigherPriority(t *testing.T) {
	r := newRegistry(t, 1, WithPreemption(true))
	ctx := context.Background()

	_, err := r.CheckAndRegister(ctx, "first", 5)
	require.NoError(t, err)

	// Equal priority does not preempt.
	_, err = r.CheckAndRegister(ctx, "second", 5)
	assert.ErrorIs(t, err, coreerrors.ErrQuotaExceeded)
}

func TestReaperLoop(t *testing.T) {
	r := NewRegistry(1, uuid.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.CheckAndRegister(ctx, "alice", 0)
	require.NoError(t, err)

	r.StartReaper(ctx, 10*time.Millisecond, 20*time.Millisecond)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
