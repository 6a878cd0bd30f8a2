// Package audit implements the append-only, hash-chained audit trail. Every
// accept, deny, and transition decision in the core writes one event here.
// The chain makes tampering detectable after the fact; it does not prevent
// it, and the guarantee should not be overstated beyond tamper evidence.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"entcore/internal/infrastructure"
	"entcore/internal/store"
	"entcore/pkg/contracts/domain"
)

// genesisHash anchors the first event of a fresh trail.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken indicates the stored chain does not verify.
var ErrChainBroken = errors.New("audit chain verification failed")

// Trail is the append-only audit log. Appends are serialized so each event
// links to the true predecessor even under concurrent decision points.
type Trail struct {
	mu       sync.Mutex
	store    *store.Store
	lastHash string
	now      func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// New opens the trail on top of the store, resuming the chain from the last
// persisted event.
func New(ctx context.Context, st *store.Store, opts ...Option) (*Trail, error) {
	t := &Trail{store: st, lastHash: genesisHash, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}

	last, err := st.LastAuditEvent(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// fresh trail
	case err != nil:
		return nil, fmt.Errorf("load audit chain head: %w", err)
	default:
		t.lastHash = last.Hash
	}
	return t, nil
}

// Record appends one event, linking it to the previous one. The event is
// also logged; audit decisions are never silent.
func (t *Trail) Record(ctx context.Context, eventType domain.AuditEventType, licenseID uuid.UUID, payload map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := domain.AuditEvent{
		ID:        uuid.New(),
		Type:      eventType,
		LicenseID: licenseID,
		Payload:   payload,
		Timestamp: t.now().UTC(),
		PrevHash:  t.lastHash,
	}
	hash, err := eventHash(&ev)
	if err != nil {
		return fmt.Errorf("hash audit event: %w", err)
	}
	ev.Hash = hash

	seq, err := t.store.AppendAuditEvent(ctx, &ev)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	t.lastHash = ev.Hash

	infrastructure.LoggerWithContext(ctx).Info("audit event recorded",
		slog.String("event_type", string(eventType)),
		slog.String("license_id", licenseID.String()),
		slog.Int64("seq", seq),
	)
	return nil
}

// Range returns events whose timestamps fall in [from, to).
func (t *Trail) Range(ctx context.Context, from, to time.Time) ([]domain.AuditEvent, error) {
	return t.store.AuditEventsRange(ctx, from, to)
}

// Export writes events in [from, to) to w as JSON lines, for compliance
// handoff.
func (t *Trail) Export(ctx context.Context, w io.Writer, from, to time.Time) (int, error) {
	events, err := t.store.AuditEventsRange(ctx, from, to)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return i, fmt.Errorf("encode audit event: %w", err)
		}
	}
	return len(events), nil
}

// VerifyChain walks the full trail from genesis, recomputing every hash and
// checking every back-link. Any edit, insertion, or deletion surfaces as
// ErrChainBroken with the offending sequence number.
func (t *Trail) VerifyChain(ctx context.Context) error {
	events, err := t.store.AuditEventsAll(ctx)
	if err != nil {
		return err
	}
	prev := genesisHash
	for i := range events {
		ev := &events[i]
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: event seq %d back-link mismatch", ErrChainBroken, ev.Seq)
		}
		expected, err := eventHash(ev)
		if err != nil {
			return fmt.Errorf("hash audit event seq %d: %w", ev.Seq, err)
		}
		if ev.Hash != expected {
			return fmt.Errorf("%w: event seq %d content hash mismatch", ErrChainBroken, ev.Seq)
		}
		prev = ev.Hash
	}
	return nil
}

// eventHash computes the content hash over every field except Seq (assigned
// by the store after hashing) and Hash itself. The payload is marshaled as
// JSON, which sorts map keys, so the byte form is deterministic.
func eventHash(ev *domain.AuditEvent) (string, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(ev.ID.String())
	b.WriteByte('|')
	b.WriteString(string(ev.Type))
	b.WriteByte('|')
	b.WriteString(ev.LicenseID.String())
	b.WriteByte('|')
	b.Write(payload)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(ev.Timestamp.UTC().UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(ev.PrevHash)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}
