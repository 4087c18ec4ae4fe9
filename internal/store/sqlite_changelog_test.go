package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

func appendTestEntry(t *testing.T, s *SQLiteStore, recordID, op string, payload string, fields ...string) int64 {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	id, err := s.ApplyLocalChange(context.Background(), tethersync.ChangeEntry{
		RecordID:  recordID,
		Operation: op,
		Payload:   raw,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("apply local change failed: %v", err)
	}
	return id
}

func TestApplyLocalChange_WritesRecordAndEntryAtomically(t *testing.T) {
	// Given: A fresh store
	s := newTestStore(t)
	ctx := context.Background()

	// When: A local create is applied
	entryID := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"title":"draft"}`, "title")

	// Then: The record is immediately readable (optimistic write)
	rec, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if string(rec.Payload) != `{"title":"draft"}` {
		t.Errorf("unexpected payload %s", rec.Payload)
	}
	if rec.Version != 0 {
		t.Errorf("local write must not assign a version, got %d", rec.Version)
	}

	// And: The change entry is pending with the touched fields recorded
	batch, err := s.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("next batch failed: %v", err)
	}
	if len(batch) != 1 || batch[0].EntryID != entryID {
		t.Fatalf("expected the appended entry, got %+v", batch)
	}
	if len(batch[0].Fields) != 1 || batch[0].Fields[0] != "title" {
		t.Errorf("expected fields [title], got %v", batch[0].Fields)
	}
}

func TestApplyLocalChange_DeleteSetsTombstone(t *testing.T) {
	// Given: An existing record
	s := newTestStore(t)
	ctx := context.Background()
	appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"title":"x"}`, "title")

	// When: A local delete is applied
	appendTestEntry(t, s, "rec-1", tethersync.OperationDelete, "")

	// Then: The record is tombstoned, not removed
	rec, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if !rec.Tombstone {
		t.Error("expected tombstone after local delete")
	}
}

func TestNextBatch_OrdersByEntryIDAndCaps(t *testing.T) {
	// Given: Three pending entries
	s := newTestStore(t)
	ctx := context.Background()
	id1 := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"a":1}`, "a")
	id2 := appendTestEntry(t, s, "rec-1", tethersync.OperationUpdate, `{"a":2}`, "a")
	appendTestEntry(t, s, "rec-2", tethersync.OperationCreate, `{"b":1}`, "b")

	// When: A capped batch is requested
	batch, err := s.NextBatch(ctx, 2)
	if err != nil {
		t.Fatalf("next batch failed: %v", err)
	}

	// Then: Entries come back in entry ID order, capped at 2
	if len(batch) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch))
	}
	if batch[0].EntryID != id1 || batch[1].EntryID != id2 {
		t.Errorf("expected order [%d %d], got [%d %d]", id1, id2, batch[0].EntryID, batch[1].EntryID)
	}
}

func TestStateTransitions_PendingInFlightAcknowledged(t *testing.T) {
	// Given: One pending entry
	s := newTestStore(t)
	ctx := context.Background()
	id := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"a":1}`, "a")

	// When: The entry is marked in flight
	if err := s.MarkInFlight(ctx, []int64{id}); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}

	// Then: It leaves the pending batch but shows as in flight with one attempt
	batch, _ := s.NextBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("expected empty pending batch, got %d entries", len(batch))
	}
	inFlight, err := s.InFlightEntries(ctx)
	if err != nil {
		t.Fatalf("in flight query failed: %v", err)
	}
	if len(inFlight) != 1 || inFlight[0].Attempts != 1 {
		t.Fatalf("expected 1 in-flight entry with 1 attempt, got %+v", inFlight)
	}

	// When: The server accepts it at version 9
	if err := s.AcknowledgeEntry(ctx, inFlight[0], 9); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	// Then: The record adopted the server version and nothing is unconfirmed
	rec, _ := s.GetRecord(ctx, "rec-1")
	if rec.Version != 9 {
		t.Errorf("expected version 9, got %d", rec.Version)
	}
	count, _ := s.PendingCount(ctx)
	if count != 0 {
		t.Errorf("expected 0 unconfirmed entries, got %d", count)
	}
}

func TestAcknowledgeDelete_RemovesRecordRow(t *testing.T) {
	// Given: A tombstoned record with its delete entry in flight
	s := newTestStore(t)
	ctx := context.Background()
	appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"a":1}`, "a")
	appendTestEntry(t, s, "rec-1", tethersync.OperationDelete, "")
	entries, _ := s.NextBatch(ctx, 10)
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EntryID)
	}
	if err := s.MarkInFlight(ctx, ids); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}

	// When: The delete entry is acknowledged
	inFlight, _ := s.InFlightEntries(ctx)
	for _, e := range inFlight {
		if err := s.AcknowledgeEntry(ctx, e, 2); err != nil {
			t.Fatalf("acknowledge failed: %v", err)
		}
	}

	// Then: The row is gone, confirmed and removed
	if _, err := s.GetRecord(ctx, "rec-1"); err == nil {
		t.Error("expected record row removed after acknowledged delete")
	}
}

func TestMarkFailed_KeepsEntryOutOfBatchUntilRequeued(t *testing.T) {
	// Given: An entry rejected by the server
	s := newTestStore(t)
	ctx := context.Background()
	id := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"price":-1}`, "price")
	if err := s.MarkInFlight(ctx, []int64{id}); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}
	if err := s.MarkFailed(ctx, []int64{id}, "invalid price"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	// Then: It is excluded from batches but still counts as unconfirmed
	batch, _ := s.NextBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("failed entry must not re-enter batches, got %d", len(batch))
	}
	count, _ := s.PendingCount(ctx)
	if count != 1 {
		t.Errorf("expected pending count 1, got %d", count)
	}

	// When: The application requeues failed entries
	n, err := s.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}

	// Then: The entry is pending again with its reason cleared
	batch, _ = s.NextBatch(ctx, 10)
	if len(batch) != 1 || batch[0].FailReason != "" {
		t.Errorf("expected clean pending entry, got %+v", batch)
	}
}

func TestPendingFieldsSince_UnionsFieldsAndFlagsDelete(t *testing.T) {
	// Given: Two pending updates and a delete on the same record
	s := newTestStore(t)
	ctx := context.Background()
	appendTestEntry(t, s, "rec-1", tethersync.OperationUpdate, `{"title":"a"}`, "title")
	appendTestEntry(t, s, "rec-1", tethersync.OperationUpdate, `{"title":"b","notes":"n"}`, "title", "notes")
	appendTestEntry(t, s, "rec-1", tethersync.OperationDelete, "")

	// When: Pending fields since the ancestor are requested
	fields, deletePending, err := s.PendingFieldsSince(ctx, "rec-1", 0)
	if err != nil {
		t.Fatalf("pending fields failed: %v", err)
	}

	// Then: Fields are deduplicated and the delete is flagged
	if len(fields) != 2 {
		t.Errorf("expected 2 distinct fields, got %v", fields)
	}
	if !deletePending {
		t.Error("expected delete pending flag")
	}
}

func TestPurgeAcknowledgedOlderThan_RemovesOnlyAgedAcks(t *testing.T) {
	// Given: One acknowledged entry backdated past the grace window and one fresh
	s := newTestStore(t)
	ctx := context.Background()
	oldID := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"a":1}`, "a")
	freshID := appendTestEntry(t, s, "rec-2", tethersync.OperationCreate, `{"b":1}`, "b")
	if err := s.MarkInFlight(ctx, []int64{oldID, freshID}); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}
	inFlight, _ := s.InFlightEntries(ctx)
	for _, e := range inFlight {
		if err := s.AcknowledgeEntry(ctx, e, 1); err != nil {
			t.Fatalf("acknowledge failed: %v", err)
		}
	}
	backdated := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE change_log SET acked_at = ? WHERE entry_id = ?`, backdated, oldID); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	// When: Purging entries older than 24h
	n, err := s.PurgeAcknowledgedOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	// Then: Only the aged entry is removed
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
}

func TestUnconfirmedEntries_ScopedToRecordInOrder(t *testing.T) {
	// Given: Pending and in-flight entries on one record, plus noise on another
	s := newTestStore(t)
	ctx := context.Background()
	first := appendTestEntry(t, s, "rec-1", tethersync.OperationUpdate, `{"a":1}`, "a")
	second := appendTestEntry(t, s, "rec-1", tethersync.OperationUpdate, `{"a":2}`, "a")
	appendTestEntry(t, s, "rec-2", tethersync.OperationCreate, `{"b":1}`, "b")
	if err := s.MarkInFlight(ctx, []int64{first}); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}

	// When: Unconfirmed entries for the record are requested
	entries, err := s.UnconfirmedEntries(ctx, "rec-1")
	if err != nil {
		t.Fatalf("unconfirmed entries failed: %v", err)
	}

	// Then: Both states come back, in entry ID order, without the other record
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EntryID != first || entries[1].EntryID != second {
		t.Errorf("expected order [%d %d], got [%d %d]", first, second, entries[0].EntryID, entries[1].EntryID)
	}
}

func TestPendingRecordIDs_ReflectsUnconfirmedEntries(t *testing.T) {
	// Given: Entries across two records, one in flight
	s := newTestStore(t)
	ctx := context.Background()
	id := appendTestEntry(t, s, "rec-1", tethersync.OperationCreate, `{"a":1}`, "a")
	appendTestEntry(t, s, "rec-2", tethersync.OperationCreate, `{"b":1}`, "b")
	if err := s.MarkInFlight(ctx, []int64{id}); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}

	// When: Pending record IDs are requested
	ids, err := s.PendingRecordIDs(ctx)
	if err != nil {
		t.Fatalf("pending record ids failed: %v", err)
	}

	// Then: Both records are conflict candidates
	if len(ids) != 2 {
		t.Errorf("expected 2 record ids, got %v", ids)
	}
}
