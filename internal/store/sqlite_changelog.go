package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

const insertChangeEntrySQL = `
	INSERT INTO change_log (record_id, operation, payload, fields, base_version, state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// appendEntryTx inserts a change entry inside an existing transaction.
// Returns the assigned entry ID.
func appendEntryTx(ctx context.Context, tx *sql.Tx, entry *tethersync.ChangeEntry) (int64, error) {
	fieldsJSON, err := marshalFields(entry.Fields)
	if err != nil {
		return 0, err
	}

	state := entry.State
	if state == "" {
		state = tethersync.StatePending
	}

	result, err := tx.ExecContext(ctx, insertChangeEntrySQL,
		entry.RecordID, entry.Operation, nullablePayload(entry.Payload),
		fieldsJSON, entry.BaseVersion, state,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ApplyLocalChange applies an optimistic local write: the record row and the
// change entry succeed or roll back together. Local writes never touch the
// record version; versions are server-issued.
func (s *SQLiteStore) ApplyLocalChange(ctx context.Context, entry tethersync.ChangeEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := entry.CreatedAt.UTC().Format(time.RFC3339Nano)

	switch entry.Operation {
	case tethersync.OperationCreate, tethersync.OperationUpdate:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (record_id, version, payload, updated_at, tombstone)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(record_id) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at,
				tombstone = 0
		`, entry.RecordID, entry.BaseVersion, nullablePayload(entry.Payload), now); err != nil {
			return 0, fmt.Errorf("apply local write: %w", err)
		}
	case tethersync.OperationDelete:
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET tombstone = 1, updated_at = ? WHERE record_id = ?
		`, now, entry.RecordID); err != nil {
			return 0, fmt.Errorf("apply local delete: %w", err)
		}
	default:
		return 0, fmt.Errorf("unknown operation %q", entry.Operation)
	}

	entryID, err := appendEntryTx(ctx, tx, &entry)
	if err != nil {
		return 0, fmt.Errorf("append change entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return entryID, nil
}

const selectEntrySQL = `
	SELECT entry_id, record_id, operation, payload, fields, base_version,
	       state, attempts, fail_reason, created_at
	FROM change_log`

// NextBatch returns pending entries ordered by entry ID, capped at maxSize.
// Read-only; state transitions happen via the Mark* methods.
func (s *SQLiteStore) NextBatch(ctx context.Context, maxSize int) ([]tethersync.ChangeEntry, error) {
	return s.queryEntries(ctx, selectEntrySQL+`
		WHERE state = ?
		ORDER BY entry_id ASC
		LIMIT ?`, tethersync.StatePending, maxSize)
}

// InFlightEntries returns entries whose push outcome is unknown, ordered by
// entry ID. After a crash these must be re-pushed with their original
// idempotency keys, never blindly resent or dropped.
func (s *SQLiteStore) InFlightEntries(ctx context.Context) ([]tethersync.ChangeEntry, error) {
	return s.queryEntries(ctx, selectEntrySQL+`
		WHERE state = ?
		ORDER BY entry_id ASC`, tethersync.StateInFlight)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]tethersync.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]tethersync.ChangeEntry, 0)
	for rows.Next() {
		entry, err := scanChangeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// MarkInFlight transitions the given pending entries to in_flight and bumps
// their attempt counters in a single atomic write.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE change_log
		SET state = ?, attempts = attempts + 1
		WHERE entry_id IN (%s) AND state IN (?, ?)
	`, placeholders(len(ids)))

	args := []any{tethersync.StateInFlight}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, tethersync.StatePending, tethersync.StateFailed)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	return nil
}

// MarkFailed transitions entries to failed with the given reason.
// Failed entries are not retried automatically; see RequeueFailed.
func (s *SQLiteStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE change_log
		SET state = ?, fail_reason = ?
		WHERE entry_id IN (%s)
	`, placeholders(len(ids)))

	args := []any{tethersync.StateFailed, reason}
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// AcknowledgeEntry confirms a server-applied entry: the entry becomes
// acknowledged and the record adopts the server-issued version, atomically.
// For an acknowledged delete the local row is removed outright.
func (s *SQLiteStore) AcknowledgeEntry(ctx context.Context, entry tethersync.ChangeEntry, newVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE change_log SET state = ?, acked_at = ? WHERE entry_id = ?
	`, tethersync.StateAcknowledged, now, entry.EntryID); err != nil {
		return fmt.Errorf("acknowledge entry %d: %w", entry.EntryID, err)
	}

	if entry.Operation == tethersync.OperationDelete {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE record_id = ? AND tombstone = 1
		`, entry.RecordID); err != nil {
			return fmt.Errorf("remove confirmed delete: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET version = ? WHERE record_id = ? AND version < ?
		`, newVersion, entry.RecordID, newVersion); err != nil {
			return fmt.Errorf("adopt server version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RequeueFailed moves failed entries back to pending for a retry.
// Returns the number of entries requeued. Invoked by the application after
// it has dealt with the rejection, not by the engine.
func (s *SQLiteStore) RequeueFailed(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_log SET state = ?, fail_reason = NULL WHERE state = ?
	`, tethersync.StatePending, tethersync.StateFailed)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return result.RowsAffected()
}

// PurgeAcknowledgedOlderThan garbage-collects acknowledged entries past the
// idempotency grace window. Returns the number of entries removed.
func (s *SQLiteStore) PurgeAcknowledgedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM change_log WHERE state = ? AND acked_at IS NOT NULL AND acked_at < ?
	`, tethersync.StateAcknowledged, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge acknowledged: %w", err)
	}
	return result.RowsAffected()
}

// PendingRecordIDs returns the set of record IDs that have unconfirmed
// (pending or in-flight) entries. Pulled records in this set are conflict
// candidates rather than direct applies.
func (s *SQLiteStore) PendingRecordIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT record_id FROM change_log WHERE state IN (?, ?)
	`, tethersync.StatePending, tethersync.StateInFlight)
	if err != nil {
		return nil, fmt.Errorf("query pending record ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// UnconfirmedEntries returns the pending and in-flight entries for one
// record, ordered by entry ID. These are the entries a resolution
// supersedes.
func (s *SQLiteStore) UnconfirmedEntries(ctx context.Context, recordID string) ([]tethersync.ChangeEntry, error) {
	return s.queryEntries(ctx, selectEntrySQL+`
		WHERE record_id = ? AND state IN (?, ?)
		ORDER BY entry_id ASC`, recordID, tethersync.StatePending, tethersync.StateInFlight)
}

// PendingFieldsSince returns the union of fields touched by unconfirmed
// entries for the record with base version >= the given ancestor, plus
// whether one of those entries is a delete.
func (s *SQLiteStore) PendingFieldsSince(ctx context.Context, recordID string, baseVersion int64) ([]string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, fields FROM change_log
		WHERE record_id = ? AND state IN (?, ?) AND base_version >= ?
		ORDER BY entry_id ASC
	`, recordID, tethersync.StatePending, tethersync.StateInFlight, baseVersion)
	if err != nil {
		return nil, false, fmt.Errorf("query pending fields: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var fields []string
	var deletePending bool
	for rows.Next() {
		var op, fieldsJSON string
		if err := rows.Scan(&op, &fieldsJSON); err != nil {
			return nil, false, fmt.Errorf("scan pending fields: %w", err)
		}
		if op == tethersync.OperationDelete {
			deletePending = true
			continue
		}
		var entryFields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &entryFields); err != nil {
			return nil, false, fmt.Errorf("parse fields %q: %w", fieldsJSON, err)
		}
		for _, f := range entryFields {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}
	return fields, deletePending, rows.Err()
}

// PendingCount returns the number of unconfirmed entries (pending,
// in-flight, and failed). This is the count surfaced to callers.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_log WHERE state IN (?, ?, ?)
	`, tethersync.StatePending, tethersync.StateInFlight, tethersync.StateFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// scanChangeEntry scans a change log row.
func scanChangeEntry(scanner interface{ Scan(...any) error }) (*tethersync.ChangeEntry, error) {
	var e tethersync.ChangeEntry
	var payload, failReason sql.NullString
	var fieldsJSON, createdAt string

	if err := scanner.Scan(&e.EntryID, &e.RecordID, &e.Operation, &payload,
		&fieldsJSON, &e.BaseVersion, &e.State, &e.Attempts, &failReason, &createdAt); err != nil {
		return nil, err
	}

	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if failReason.Valid {
		e.FailReason = failReason.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("parse fields %q: %w", fieldsJSON, err)
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	e.CreatedAt = t

	return &e, nil
}

// marshalFields serializes the touched-field list, defaulting to [].
func marshalFields(fields []string) (string, error) {
	if fields == nil {
		fields = []string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
