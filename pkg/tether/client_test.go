package tether

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

func newOfflineClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{LocalPath: filepath.Join(t.TempDir(), "tether.db")})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet_RoundTripsOffline(t *testing.T) {
	// Given: An offline client
	c := newOfflineClient(t)
	ctx := context.Background()

	// When: Writing and reading a record
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"hello"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	rec, err := c.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// Then: The write is immediately visible and queued for sync
	if string(rec.Payload) != `{"title":"hello"}` {
		t.Errorf("unexpected payload %s", rec.Payload)
	}
	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.PendingChanges != 1 {
		t.Errorf("expected 1 pending change, got %d", status.PendingChanges)
	}
}

func TestPut_DiffsTouchedFields(t *testing.T) {
	// Given: A record with two fields
	c := newOfflineClient(t)
	ctx := context.Background()
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"a","price":10}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// When: Only the title changes
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"b","price":10}`)); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	// Then: The queued update names only the touched field
	batch, err := c.store.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("next batch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch))
	}
	update := batch[1]
	if len(update.Fields) != 1 || update.Fields[0] != "title" {
		t.Errorf("expected fields [title], got %v", update.Fields)
	}

	// And: The create named every field
	create := batch[0]
	sort.Strings(create.Fields)
	if len(create.Fields) != 2 || create.Fields[0] != "price" || create.Fields[1] != "title" {
		t.Errorf("expected fields [price title], got %v", create.Fields)
	}
}

func TestPut_NoopWhenNothingChanged(t *testing.T) {
	// Given: A record
	c := newOfflineClient(t)
	ctx := context.Background()
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// When: Re-writing the identical payload
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("identical put failed: %v", err)
	}

	// Then: No extra entry was queued
	status, _ := c.Status(ctx)
	if status.PendingChanges != 1 {
		t.Errorf("expected 1 pending change, got %d", status.PendingChanges)
	}
}

func TestPut_RejectsNonObjectPayload(t *testing.T) {
	// Given: An offline client
	c := newOfflineClient(t)

	// When/Then: Arrays and scalars are refused
	if err := c.Put(context.Background(), "rec-1", json.RawMessage(`[1,2]`)); err == nil {
		t.Error("expected error for array payload")
	}
	if err := c.Put(context.Background(), "rec-1", json.RawMessage(`42`)); err == nil {
		t.Error("expected error for scalar payload")
	}
}

func TestDelete_HidesRecordAndQueuesChange(t *testing.T) {
	// Given: An existing record
	c := newOfflineClient(t)
	ctx := context.Background()
	if err := c.Put(ctx, "rec-1", json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// When: Deleting it
	if err := c.Delete(ctx, "rec-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Then: Reads and listings no longer see it
	if _, err := c.Get(ctx, "rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	records, _ := c.List(ctx)
	if len(records) != 0 {
		t.Errorf("expected empty list, got %d records", len(records))
	}

	// And: Deleting a missing record errors
	if err := c.Delete(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSourceID_IsStableAcrossReopens(t *testing.T) {
	// Given: A client opened twice on the same database
	path := filepath.Join(t.TempDir(), "tether.db")
	c1, err := New(Config{LocalPath: path})
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	first := c1.SourceID()
	if first == "" {
		t.Fatal("expected a minted source ID")
	}
	c1.Close()

	c2, err := New(Config{LocalPath: path})
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer c2.Close()

	// Then: The identity survives the reopen
	if c2.SourceID() != first {
		t.Errorf("source ID changed across reopen: %s vs %s", first, c2.SourceID())
	}
}

func TestClosedClient_RefusesOperations(t *testing.T) {
	// Given: A closed client
	c := newOfflineClient(t)
	c.Close()

	// When/Then: Operations fail with ErrClosed
	if err := c.Put(context.Background(), "rec-1", json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Get(context.Background(), "rec-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConfig_RejectsUnknownDeletePolicy(t *testing.T) {
	// When: Creating a client with a junk policy
	_, err := New(Config{
		LocalPath:    filepath.Join(t.TempDir(), "tether.db"),
		DeletePolicy: "coin_flip",
	})

	// Then: Construction fails
	if err == nil {
		t.Error("expected error for unknown delete policy")
	}
}
