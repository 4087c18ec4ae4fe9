package store

import (
	"context"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// Store is the contract the sync engine and the client facade depend on.
// All multi-row operations are atomic; the SQLite transaction is the sole
// arbiter of concurrent access between the application write path and the
// sync coordinator.
type Store interface {
	// Local write path. Applies the mutation to the record table and appends
	// the change entry in one transaction. Returns the assigned entry ID.
	ApplyLocalChange(ctx context.Context, entry tethersync.ChangeEntry) (int64, error)

	// Record reads.
	GetRecord(ctx context.Context, id string) (*tethersync.Record, error)
	ScanRecords(ctx context.Context, pred func(*tethersync.Record) bool) ([]tethersync.Record, error)

	// Pull application. Records are upserted under the version guard
	// (equal-or-lower versions are no-ops) and the checkpoint advances in the
	// same transaction.
	ApplyPullBatch(ctx context.Context, records []tethersync.Record, cursor tethersync.Cursor) error

	// Resolution application. The resolved record bypasses the version guard,
	// the synthetic entry (if any) is appended, and superseded entries are
	// acknowledged, all atomically.
	ApplyResolution(ctx context.Context, rec tethersync.Record, synthetic *tethersync.ChangeEntry, superseded []int64) error

	// Change log bookkeeping.
	NextBatch(ctx context.Context, maxSize int) ([]tethersync.ChangeEntry, error)
	InFlightEntries(ctx context.Context) ([]tethersync.ChangeEntry, error)
	MarkInFlight(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, reason string) error
	AcknowledgeEntry(ctx context.Context, entry tethersync.ChangeEntry, newVersion int64) error
	RequeueFailed(ctx context.Context) (int64, error)
	PurgeAcknowledgedOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// Conflict detection inputs.
	PendingRecordIDs(ctx context.Context) (map[string]struct{}, error)
	UnconfirmedEntries(ctx context.Context, recordID string) ([]tethersync.ChangeEntry, error)
	PendingFieldsSince(ctx context.Context, recordID string, baseVersion int64) (fields []string, deletePending bool, err error)
	PendingCount(ctx context.Context) (int, error)

	// Engine metadata (cursor, device identity).
	Checkpoint(ctx context.Context) (tethersync.Cursor, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Snapshot writes a consistent copy of the database to path.
	Snapshot(ctx context.Context, path string) error

	Close() error
}

// Sync meta keys.
const (
	MetaLastServerCursor = "last_server_cursor"
	MetaSourceID         = "source_id"
)
