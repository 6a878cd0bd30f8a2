package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"entcore/pkg/contracts/domain"
)

// InsertActivationRecord appends one activation attempt. Records are
// immutable once written; there is no update path.
func (s *Store) InsertActivationRecord(ctx context.Context, rec *domain.ActivationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO activation_records
		(id, license_id, method, fingerprint, request_code, response_code, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.LicenseID.String(), string(rec.Method),
		rec.Fingerprint, rec.RequestCode, rec.ResponseCode,
		string(rec.Outcome), rec.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert activation record: %w", err)
	}
	return nil
}

// ActivationRecords returns all activation attempts for a license, oldest
// first.
func (s *Store) ActivationRecords(ctx context.Context, licenseID uuid.UUID) ([]domain.ActivationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, license_id, method, fingerprint, request_code, response_code, outcome, created_at
		FROM activation_records WHERE license_id = ? ORDER BY created_at ASC`,
		licenseID.String())
	if err != nil {
		return nil, fmt.Errorf("query activation records: %w", err)
	}
	defer rows.Close()

	var records []domain.ActivationRecord
	for rows.Next() {
		var (
			rec       domain.ActivationRecord
			id, licID string
			createdAt int64
		)
		if err := rows.Scan(&id, &licID, &rec.Method, &rec.Fingerprint,
			&rec.RequestCode, &rec.ResponseCode, &rec.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activation record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse activation id: %w", err)
		}
		if rec.LicenseID, err = uuid.Parse(licID); err != nil {
			return nil, fmt.Errorf("parse activation license id: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
