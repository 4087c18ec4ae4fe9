package tether

import (
	"encoding/json"
	"time"
)

// Record is a versioned entity as seen by the application.
type Record struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SyncState names the coordinator's current phase.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncPulling SyncState = "pulling"
	SyncMerging SyncState = "merging"
	SyncPushing SyncState = "pushing"
	SyncError   SyncState = "error"
)

// Status is a snapshot of engine health.
type Status struct {
	State          SyncState `json:"state"`
	SourceID       string    `json:"source_id"`
	PendingChanges int       `json:"pending_changes"`
	LastError      string    `json:"last_error,omitempty"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	BackoffUntil   time.Time `json:"backoff_until"`
}

// Rejection reports a local change the server permanently refused. The
// change stays parked until Requeue re-attempts it.
type Rejection struct {
	RecordID  string          `json:"record_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason"`
}

// Config configures a Client.
type Config struct {
	// LocalPath is the SQLite database file. Required.
	LocalPath string

	// RemoteURL is the sync authority. Empty means offline-only: local
	// writes queue up and no network activity happens.
	RemoteURL string

	// APIKey authenticates against the authority.
	APIKey string

	// SyncInterval is the periodic cycle cadence. Defaults to one minute.
	SyncInterval time.Duration

	// DeletePolicy is the delete-vs-update conflict tie-break:
	// "update_wins" (default) or "delete_wins".
	DeletePolicy string

	// PullLimit and PushBatchSize bound protocol page sizes.
	PullLimit     int
	PushBatchSize int

	// PurgeAfter is the grace window before acknowledged entries are
	// garbage-collected from the change log.
	PurgeAfter time.Duration

	// InitialBackoff and MaxBackoff bound the retry delay after failed
	// cycles.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}
