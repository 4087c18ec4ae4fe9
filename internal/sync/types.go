// Package sync defines the versioned record model and the wire types shared
// by the delta protocol client and the reference sync authority.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Record is a versioned entity. Versions are issued by the server and only
// ever increase; a client never applies an update whose version is <= the
// version it already holds, except as the output of conflict resolution.
type Record struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

// Operation constants for change entries.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Change entry states. Entries move Pending -> InFlight -> Acknowledged,
// or back to Pending via Failed when a retry is warranted.
const (
	StatePending      = "pending"
	StateInFlight     = "in_flight"
	StateAcknowledged = "acknowledged"
	StateFailed       = "failed"
)

// ChangeEntry is one durable, not-yet-confirmed local mutation.
// EntryID is assigned by the local change log and is strictly increasing;
// it is the ordering key for pushes on the same record.
type ChangeEntry struct {
	EntryID     int64           `json:"entry_id"`
	RecordID    string          `json:"record_id"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Fields      []string        `json:"fields,omitempty"`
	BaseVersion int64           `json:"base_version"`
	State       string          `json:"state,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Cursor marks a position in the server's change stream. It is opaque to the
// client and compared only for equality; the empty cursor means "from the
// beginning".
type Cursor string

// IdempotencyKey derives the stable key the server uses to recognize a
// retried push of the same entry. The key depends only on the device's
// source ID and the entry's local ID, so a re-push after a dropped response
// carries the same key and is applied at most once.
func IdempotencyKey(sourceID string, entryID int64) string {
	sum := sha256.Sum256([]byte(sourceID + ":" + strconv.FormatInt(entryID, 10)))
	return hex.EncodeToString(sum[:])
}

// --- Wire types ---

// PushEntry is the wire form of a ChangeEntry.
type PushEntry struct {
	IdempotencyKey string          `json:"idempotency_key"`
	RecordID       string          `json:"record_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Fields         []string        `json:"fields,omitempty"`
	BaseVersion    int64           `json:"base_version"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PushRequest carries a batch of entries for one device.
// Entries for the same record are ordered by the client and must be applied
// in that order.
type PushRequest struct {
	SourceID string      `json:"source_id"`
	Entries  []PushEntry `json:"entries"`
}

// Push result statuses.
const (
	PushAccepted   = "accepted"
	PushConflicted = "conflicted"
	PushRejected   = "rejected"
)

// PushResult is the per-entry outcome of a push.
// Exactly one of NewVersion, Remote, or Reason is meaningful, keyed by Status.
type PushResult struct {
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status"`
	NewVersion     int64   `json:"new_version,omitempty"`
	Remote         *Record `json:"remote,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// PushResponse is the server's reply to a PushRequest.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PullResponse is one page of the server's change stream after a cursor.
// The server owns ordering; the client applies records in the order given.
type PullResponse struct {
	Records    []Record `json:"records"`
	NextCursor Cursor   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// Pull pagination bounds.
const (
	DefaultPullLimit = 500
	MaxPullLimit     = 2000
)

// MarshalJSON ensures a nil Records slice marshals as [] not null.
func (p PullResponse) MarshalJSON() ([]byte, error) {
	if p.Records == nil {
		p.Records = []Record{}
	}
	type Alias PullResponse
	return json.Marshal(Alias(p))
}
