package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrations_CreateSchema(t *testing.T) {
	// Given: A fresh database with migrations applied
	s := newTestStore(t)

	// Then: All three tables exist with the expected columns
	if _, err := s.db.Exec(`SELECT record_id, version, payload, updated_at, tombstone FROM records LIMIT 0`); err != nil {
		t.Fatalf("records table missing or has wrong columns: %v", err)
	}
	if _, err := s.db.Exec(`
		SELECT entry_id, record_id, operation, payload, fields, base_version, state, attempts, fail_reason, created_at, acked_at
		FROM change_log LIMIT 0
	`); err != nil {
		t.Fatalf("change_log table missing or has wrong columns: %v", err)
	}

	// And: The checkpoint row is seeded empty
	cursor, err := s.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("checkpoint read failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("expected empty initial cursor, got %q", cursor)
	}
}

func TestApplyPullBatch_AppliesRecordsAndCheckpoint(t *testing.T) {
	// Given: A fresh store and one pulled page
	s := newTestStore(t)
	ctx := context.Background()
	records := []tethersync.Record{
		{ID: "rec-1", Version: 3, Payload: json.RawMessage(`{"title":"a"}`), UpdatedAt: time.Now().UTC()},
		{ID: "rec-2", Version: 1, Payload: json.RawMessage(`{"title":"b"}`), UpdatedAt: time.Now().UTC()},
	}

	// When: The batch is applied
	if err := s.ApplyPullBatch(ctx, records, "7"); err != nil {
		t.Fatalf("apply pull batch failed: %v", err)
	}

	// Then: Records are readable and the checkpoint advanced atomically
	rec, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("expected version 3, got %d", rec.Version)
	}
	cursor, _ := s.Checkpoint(ctx)
	if cursor != "7" {
		t.Errorf("expected cursor 7, got %q", cursor)
	}
}

func TestApplyPullBatch_VersionGuardIsIdempotent(t *testing.T) {
	// Given: A record at version 5
	s := newTestStore(t)
	ctx := context.Background()
	base := []tethersync.Record{{ID: "rec-1", Version: 5, Payload: json.RawMessage(`{"title":"new"}`), UpdatedAt: time.Now().UTC()}}
	if err := s.ApplyPullBatch(ctx, base, "5"); err != nil {
		t.Fatalf("seed batch failed: %v", err)
	}

	// When: The same version and a lower version are re-applied
	stale := []tethersync.Record{
		{ID: "rec-1", Version: 5, Payload: json.RawMessage(`{"title":"dupe"}`), UpdatedAt: time.Now().UTC()},
		{ID: "rec-1", Version: 4, Payload: json.RawMessage(`{"title":"old"}`), UpdatedAt: time.Now().UTC()},
	}
	if err := s.ApplyPullBatch(ctx, stale, "5"); err != nil {
		t.Fatalf("re-apply batch failed: %v", err)
	}

	// Then: The store is unchanged
	rec, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if string(rec.Payload) != `{"title":"new"}` {
		t.Errorf("version guard failed, payload is %s", rec.Payload)
	}
}

func TestApplyResolution_BypassesGuardAndSupersedes(t *testing.T) {
	// Given: A record at version 5 with one pending entry
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.ApplyPullBatch(ctx, []tethersync.Record{
		{ID: "rec-1", Version: 5, Payload: json.RawMessage(`{"title":"remote"}`), UpdatedAt: time.Now().UTC()},
	}, "5"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	entryID, err := s.ApplyLocalChange(ctx, tethersync.ChangeEntry{
		RecordID:    "rec-1",
		Operation:   tethersync.OperationUpdate,
		Payload:     json.RawMessage(`{"title":"local"}`),
		Fields:      []string{"title"},
		BaseVersion: 5,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("local change failed: %v", err)
	}

	// When: A resolution at the same version is applied with a synthetic entry
	resolved := tethersync.Record{ID: "rec-1", Version: 5, Payload: json.RawMessage(`{"title":"merged"}`), UpdatedAt: time.Now().UTC()}
	synthetic := &tethersync.ChangeEntry{
		RecordID:    "rec-1",
		Operation:   tethersync.OperationUpdate,
		Payload:     resolved.Payload,
		Fields:      []string{"title"},
		BaseVersion: 5,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ApplyResolution(ctx, resolved, synthetic, []int64{entryID}); err != nil {
		t.Fatalf("apply resolution failed: %v", err)
	}

	// Then: The resolved payload replaced the row despite the equal version
	rec, _ := s.GetRecord(ctx, "rec-1")
	if string(rec.Payload) != `{"title":"merged"}` {
		t.Errorf("expected merged payload, got %s", rec.Payload)
	}

	// And: The superseded entry is acknowledged while the synthetic one is pending
	batch, err := s.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("next batch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(batch))
	}
	if batch[0].EntryID == entryID {
		t.Error("superseded entry still pending")
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	// Given: An empty store
	s := newTestStore(t)

	// When: A missing record is requested
	_, err := s.GetRecord(context.Background(), "nope")

	// Then: ErrNotFound is returned
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScanRecords_SkipsTombstonesByDefault(t *testing.T) {
	// Given: One live and one tombstoned record
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.ApplyPullBatch(ctx, []tethersync.Record{
		{ID: "rec-1", Version: 1, Payload: json.RawMessage(`{"a":1}`), UpdatedAt: time.Now().UTC()},
		{ID: "rec-2", Version: 2, UpdatedAt: time.Now().UTC(), Tombstone: true},
	}, "2"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// When: Scanning with a nil predicate
	records, err := s.ScanRecords(ctx, nil)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	// Then: Only the live record is returned
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Errorf("expected only rec-1, got %+v", records)
	}
}

func TestSnapshot_ProducesOpenableCopy(t *testing.T) {
	// Given: A store with data
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.ApplyPullBatch(ctx, []tethersync.Record{
		{ID: "rec-1", Version: 1, Payload: json.RawMessage(`{"a":1}`), UpdatedAt: time.Now().UTC()},
	}, "1"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// When: A snapshot is taken
	path := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Snapshot(ctx, path); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	// Then: The copy opens as a valid store with the same data
	copyStore, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open snapshot failed: %v", err)
	}
	defer copyStore.Close()
	rec, err := copyStore.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("read from snapshot failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1 in snapshot, got %d", rec.Version)
	}
}

func TestMeta_RoundTripAndMissingKey(t *testing.T) {
	// Given: A fresh store
	s := newTestStore(t)
	ctx := context.Background()

	// When: A meta value is set
	if err := s.SetMeta(ctx, MetaSourceID, "device-1"); err != nil {
		t.Fatalf("set meta failed: %v", err)
	}

	// Then: It reads back, and missing keys return ErrMetaNotFound
	got, err := s.GetMeta(ctx, MetaSourceID)
	if err != nil {
		t.Fatalf("get meta failed: %v", err)
	}
	if got != "device-1" {
		t.Errorf("expected device-1, got %q", got)
	}
	if _, err := s.GetMeta(ctx, "missing"); !errors.Is(err, ErrMetaNotFound) {
		t.Errorf("expected ErrMetaNotFound, got %v", err)
	}
}
