package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store: record table, change log,
// and sync metadata in one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// It enables WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetRecord retrieves a record by ID, tombstoned rows included.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*tethersync.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, version, payload, updated_at, tombstone
		FROM records
		WHERE record_id = ?
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// ScanRecords returns all records matching pred, ordered by record ID.
// A nil pred matches everything except tombstones.
func (s *SQLiteStore) ScanRecords(ctx context.Context, pred func(*tethersync.Record) bool) ([]tethersync.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, version, payload, updated_at, tombstone
		FROM records
		ORDER BY record_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]tethersync.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if pred == nil {
			if rec.Tombstone {
				continue
			}
		} else if !pred(rec) {
			continue
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// upsertGuardedSQL applies a record only when the incoming version is
// strictly newer. Re-applying the same pull batch is a no-op.
const upsertGuardedSQL = `
	INSERT INTO records (record_id, version, payload, updated_at, tombstone)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(record_id) DO UPDATE SET
		version = excluded.version,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		tombstone = excluded.tombstone
	WHERE excluded.version > records.version`

// ApplyPullBatch applies one page of pulled records and advances the
// checkpoint in a single transaction. A crash mid-batch resumes from the
// previous checkpoint; the version guard makes re-application idempotent.
func (s *SQLiteStore) ApplyPullBatch(ctx context.Context, records []tethersync.Record, cursor tethersync.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range records {
		if err := upsertRecordTx(ctx, tx, &records[i], true); err != nil {
			return fmt.Errorf("apply pulled record %s: %w", records[i].ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, MetaLastServerCursor, string(cursor)); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ApplyResolution applies a resolved record (bypassing the version guard),
// appends the synthetic re-assert entry if present, and acknowledges the
// superseded entries, all in one transaction.
func (s *SQLiteStore) ApplyResolution(ctx context.Context, rec tethersync.Record, synthetic *tethersync.ChangeEntry, superseded []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecordTx(ctx, tx, &rec, false); err != nil {
		return fmt.Errorf("apply resolved record %s: %w", rec.ID, err)
	}

	if synthetic != nil {
		if _, err := appendEntryTx(ctx, tx, synthetic); err != nil {
			return fmt.Errorf("append synthetic entry: %w", err)
		}
	}

	if len(superseded) > 0 {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range superseded {
			if _, err := tx.ExecContext(ctx, `
				UPDATE change_log SET state = ?, acked_at = ? WHERE entry_id = ?
			`, tethersync.StateAcknowledged, now, id); err != nil {
				return fmt.Errorf("supersede entry %d: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// upsertRecordTx writes a record row. With guard set, equal-or-lower
// versions are silently skipped.
func upsertRecordTx(ctx context.Context, tx *sql.Tx, rec *tethersync.Record, guard bool) error {
	query := upsertGuardedSQL
	if !guard {
		query = `
			INSERT INTO records (record_id, version, payload, updated_at, tombstone)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET
				version = excluded.version,
				payload = excluded.payload,
				updated_at = excluded.updated_at,
				tombstone = excluded.tombstone`
	}
	_, err := tx.ExecContext(ctx, query,
		rec.ID, rec.Version, nullablePayload(rec.Payload),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), boolToInt(rec.Tombstone))
	return err
}

// Checkpoint returns the last successfully applied server cursor.
func (s *SQLiteStore) Checkpoint(ctx context.Context) (tethersync.Cursor, error) {
	value, err := s.GetMeta(ctx, MetaLastServerCursor)
	if err != nil {
		if errors.Is(err, ErrMetaNotFound) {
			return "", nil
		}
		return "", err
	}
	return tethersync.Cursor(value), nil
}

// GetMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrMetaNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetMeta sets a sync metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to path using
// VACUUM INTO. The copy is safe to take while readers and writers are
// active; WAL mode isolates it at a single point in time.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	// VACUUM INTO refuses to overwrite; remove any stale copy first.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return nil
}

// scanRecord scans a row into a Record, parsing timestamps and payload.
func scanRecord(scanner interface{ Scan(...any) error }) (*tethersync.Record, error) {
	var rec tethersync.Record
	var payload sql.NullString
	var updatedAt string
	var tombstone int

	if err := scanner.Scan(&rec.ID, &rec.Version, &payload, &updatedAt, &tombstone); err != nil {
		return nil, err
	}

	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Tombstone = tombstone != 0

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
