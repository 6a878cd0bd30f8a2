// Package store persists the entitlement state: the license row, activation
// records, and the append-only audit trail. Backed by SQLite; activation and
// audit tables are insert-only by construction (no UPDATE or DELETE statement
// exists for them anywhere in this package).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	coreerrors "entcore/internal/errors"
	"entcore/pkg/contracts/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database holding entitlement state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the entitlement database at path.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// Serialized access keeps SQLite happy under concurrent callers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS licenses (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			tier TEXT NOT NULL,
			features TEXT NOT NULL,
			max_concurrent_sessions INTEGER NOT NULL,
			max_cpu_cores INTEGER NOT NULL,
			max_storage_bytes INTEGER NOT NULL,
			max_projects INTEGER NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_until INTEGER NOT NULL,
			grace_period_days INTEGER NOT NULL,
			subscription TEXT NOT NULL,
			hardware_bound INTEGER NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			signature BLOB NOT NULL,
			version INTEGER NOT NULL,
			issued_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activation_records (
			id TEXT PRIMARY KEY,
			license_id TEXT NOT NULL,
			method TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			request_code TEXT NOT NULL DEFAULT '',
			response_code TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			license_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_records_license ON activation_records(license_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// InsertLicense writes a brand new license row. Fails if the id exists.
func (s *Store) InsertLicense(ctx context.Context, lic *domain.License) error {
	features, err := json.Marshal(lic.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO licenses (
		id, key, tier, features,
		max_concurrent_sessions, max_cpu_cores, max_storage_bytes, max_projects,
		valid_from, valid_until, grace_period_days, subscription,
		hardware_bound, fingerprint, status, signature, version, issued_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.ID.String(), lic.Key, string(lic.Tier), string(features),
		lic.Limits.MaxConcurrentSessions, lic.Limits.MaxCPUCores,
		lic.Limits.MaxStorageBytes, lic.Limits.MaxProjects,
		lic.ValidFrom.UTC().Unix(), lic.ValidUntil.UTC().Unix(),
		lic.GracePeriodDays, string(lic.Subscription),
		boolToInt(lic.HardwareBound), lic.Fingerprint, string(lic.Status),
		lic.Signature, lic.Version, lic.IssuedAt.UTC().Unix(), lic.UpdatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// UpdateLicense applies a state-changing write using optimistic versioning:
// the row is updated only if its stored version still equals expectedVersion.
// A losing writer gets ErrVersionConflict and must re-read and retry.
func (s *Store) UpdateLicense(ctx context.Context, lic *domain.License, expectedVersion int64) error {
	features, err := json.Marshal(lic.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE licenses SET
		key = ?, tier = ?, features = ?,
		max_concurrent_sessions = ?, max_cpu_cores = ?, max_storage_bytes = ?, max_projects = ?,
		valid_from = ?, valid_until = ?, grace_period_days = ?, subscription = ?,
		hardware_bound = ?, fingerprint = ?, status = ?, signature = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		lic.Key, string(lic.Tier), string(features),
		lic.Limits.MaxConcurrentSessions, lic.Limits.MaxCPUCores,
		lic.Limits.MaxStorageBytes, lic.Limits.MaxProjects,
		lic.ValidFrom.UTC().Unix(), lic.ValidUntil.UTC().Unix(),
		lic.GracePeriodDays, string(lic.Subscription),
		boolToInt(lic.HardwareBound), lic.Fingerprint, string(lic.Status),
		lic.Signature, lic.Version, lic.UpdatedAt.UTC().Unix(),
		lic.ID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update license rows affected: %w", err)
	}
	if affected == 0 {
		return coreerrors.ErrVersionConflict
	}
	return nil
}

// GetLicense loads the license with the given id.
func (s *Store) GetLicense(ctx context.Context, id uuid.UUID) (*domain.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, key, tier, features,
		max_concurrent_sessions, max_cpu_cores, max_storage_bytes, max_projects,
		valid_from, valid_until, grace_period_days, subscription,
		hardware_bound, fingerprint, status, signature, version, issued_at, updated_at
		FROM licenses WHERE id = ?`, id.String())
	return scanLicense(row)
}

// CurrentLicense loads the single authoritative license for this deployment.
// Returns ErrNotFound when no license has been issued yet.
func (s *Store) CurrentLicense(ctx context.Context) (*domain.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, key, tier, features,
		max_concurrent_sessions, max_cpu_cores, max_storage_bytes, max_projects,
		valid_from, valid_until, grace_period_days, subscription,
		hardware_bound, fingerprint, status, signature, version, issued_at, updated_at
		FROM licenses ORDER BY updated_at DESC LIMIT 1`)
	return scanLicense(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*domain.License, error) {
	var (
		lic                                        domain.License
		id, features                               string
		validFrom, validUntil, issuedAt, updatedAt int64
		hardwareBound                              int
	)
	err := row.Scan(
		&id, &lic.Key, &lic.Tier, &features,
		&lic.Limits.MaxConcurrentSessions, &lic.Limits.MaxCPUCores,
		&lic.Limits.MaxStorageBytes, &lic.Limits.MaxProjects,
		&validFrom, &validUntil, &lic.GracePeriodDays, &lic.Subscription,
		&hardwareBound, &lic.Fingerprint, &lic.Status, &lic.Signature,
		&lic.Version, &issuedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	lic.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &lic.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	lic.ValidFrom = time.Unix(validFrom, 0).UTC()
	lic.ValidUntil = time.Unix(validUntil, 0).UTC()
	lic.IssuedAt = time.Unix(issuedAt, 0).UTC()
	lic.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	lic.HardwareBound = hardwareBound != 0
	return &lic, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
