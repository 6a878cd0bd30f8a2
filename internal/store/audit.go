package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"entcore/pkg/contracts/domain"
)

// AppendAuditEvent inserts one audit event and returns its assigned sequence
// number. Events are never updated or deleted.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *domain.AuditEvent) (int64, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal audit payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, type, license_id, payload, timestamp, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.Type), ev.LicenseID.String(),
		string(payload), ev.Timestamp.UTC().UnixNano(), ev.PrevHash, ev.Hash,
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit event seq: %w", err)
	}
	return seq, nil
}

// LastAuditEvent returns the newest event in the chain, or ErrNotFound for an
// empty trail.
func (s *Store) LastAuditEvent(ctx context.Context) (*domain.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, id, type, license_id, payload, timestamp, prev_hash, hash
		FROM audit_events ORDER BY seq DESC LIMIT 1`)
	ev, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// AuditEventsRange returns events with from <= timestamp < to, in chain
// order.
func (s *Store) AuditEventsRange(ctx context.Context, from, to time.Time) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, type, license_id, payload, timestamp, prev_hash, hash
		FROM audit_events WHERE timestamp >= ? AND timestamp < ? ORDER BY seq ASC`,
		from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

// AuditEventsAll returns the full chain in order, for verification and
// export.
func (s *Store) AuditEventsAll(ctx context.Context) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, type, license_id, payload, timestamp, prev_hash, hash
		FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func collectAuditEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	var events []domain.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanAuditEvent(row rowScanner) (*domain.AuditEvent, error) {
	var (
		ev        domain.AuditEvent
		id, licID string
		payload   string
		ts        int64
	)
	err := row.Scan(&ev.Seq, &id, &ev.Type, &licID, &payload, &ts, &ev.PrevHash, &ev.Hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse audit event id: %w", err)
	}
	if ev.LicenseID, err = uuid.Parse(licID); err != nil {
		return nil, fmt.Errorf("parse audit license id: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal audit payload: %w", err)
	}
	ev.Timestamp = time.Unix(0, ts).UTC()
	return &ev, nil
}
