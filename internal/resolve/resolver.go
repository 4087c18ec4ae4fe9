// Package resolve decides the merged outcome when a local and a remote
// version of the same record have diverged since their last common
// checkpoint. Resolution is a pure function of its inputs: the same
// (local, remote, ancestor) triple always yields byte-identical output, so
// the engine can safely re-run it after a crash mid-merge.
package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// DeletePolicy is the tie-break for delete-vs-update conflicts. This is a
// business decision, so it is configuration rather than a constant.
type DeletePolicy string

const (
	// DeletePolicyUpdateWins resurrects the record: an update on one side
	// beats a delete on the other, so data created elsewhere is never
	// silently discarded. This is the default.
	DeletePolicyUpdateWins DeletePolicy = "update_wins"

	// DeletePolicyDeleteWins lets the delete stand regardless of edits on
	// the other side.
	DeletePolicyDeleteWins DeletePolicy = "delete_wins"
)

// ParseDeletePolicy parses a policy name, defaulting to update_wins.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case "":
		return DeletePolicyUpdateWins, nil
	case DeletePolicyUpdateWins, DeletePolicyDeleteWins:
		return DeletePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown delete policy %q", s)
	}
}

// Conflict pairs a local record state with a remote state for the same
// record, plus what the client knows about its own divergence: the last
// version both sides agreed on and the fields touched locally since then.
type Conflict struct {
	Local           tethersync.Record
	Remote          tethersync.Record
	AncestorVersion int64

	// PendingFields is the union of fields touched by unconfirmed local
	// entries newer than the ancestor.
	PendingFields []string

	// LocalDeletePending is set when one of those entries is a delete.
	LocalDeletePending bool
}

// FieldAudit retains a remote field value that resolution discarded, for
// "resolved conflict" surfacing by the caller.
type FieldAudit struct {
	Field     string          `json:"field"`
	Discarded json.RawMessage `json:"discarded"`
}

// Resolution is the resolved record plus, when local edits were retained
// over remote state the server does not know about, a synthetic change
// entry re-asserting them so the server converges too.
type Resolution struct {
	Record    tethersync.Record
	Synthetic *tethersync.ChangeEntry
	Audit     []FieldAudit
}

// Resolver applies the deterministic merge policy.
type Resolver struct {
	policy DeletePolicy
}

// New creates a resolver with the given delete-vs-update policy.
func New(policy DeletePolicy) *Resolver {
	if policy == "" {
		policy = DeletePolicyUpdateWins
	}
	return &Resolver{policy: policy}
}

// Resolve produces the single merged outcome for a conflict.
//
// Policy, in order:
//  1. Remote delete with no local edits past the ancestor: remote wins.
//  2. Both alive with local edits: field-level merge; locally touched
//     fields keep the local value, all others take the remote value.
//  3. Same field changed on both sides: local wins; the discarded remote
//     value is retained in the audit.
//  4. Delete on one side, update on the other: decided by DeletePolicy.
func (r *Resolver) Resolve(c Conflict) (Resolution, error) {
	localEdited := len(c.PendingFields) > 0 || c.LocalDeletePending
	version := maxVersion(c.Local.Version, c.Remote.Version)
	updatedAt := laterTime(c.Local.UpdatedAt, c.Remote.UpdatedAt)

	// Case 1: remote delete wins when the client made no edits after the
	// point the server already knew about.
	if c.Remote.Tombstone && !localEdited {
		out := c.Remote
		out.Version = version
		return Resolution{Record: out}, nil
	}

	// Delete-vs-update tie-breaks.
	if c.LocalDeletePending {
		if c.Remote.Tombstone {
			// Deleted on both sides; nothing to re-assert.
			out := c.Remote
			out.Version = version
			return Resolution{Record: out}, nil
		}
		return r.resolveDeleteVsUpdate(c, true, version, updatedAt)
	}
	if c.Remote.Tombstone {
		return r.resolveDeleteVsUpdate(c, false, version, updatedAt)
	}

	// Case 2/3: both alive, field-level merge biased toward local.
	return r.mergeFields(c, version, updatedAt)
}

// resolveDeleteVsUpdate handles one deleted side against one updated side.
// localDeleted indicates which side holds the delete.
func (r *Resolver) resolveDeleteVsUpdate(c Conflict, localDeleted bool, version int64, updatedAt time.Time) (Resolution, error) {
	deleteWins := r.policy == DeletePolicyDeleteWins

	if localDeleted {
		if deleteWins {
			// Local delete stands; re-assert it so the server converges.
			rec := tethersync.Record{
				ID:        c.Local.ID,
				Version:   version,
				UpdatedAt: updatedAt,
				Tombstone: true,
			}
			return Resolution{
				Record: rec,
				Synthetic: &tethersync.ChangeEntry{
					RecordID:    rec.ID,
					Operation:   tethersync.OperationDelete,
					BaseVersion: version,
					CreatedAt:   updatedAt,
				},
			}, nil
		}
		// Remote update wins: undelete, drop the local delete intent.
		out := c.Remote
		out.Version = version
		out.UpdatedAt = updatedAt
		return Resolution{Record: out}, nil
	}

	// Remote deleted, local edited.
	if deleteWins {
		out := c.Remote
		out.Version = version
		out.UpdatedAt = updatedAt
		return Resolution{Record: out}, nil
	}
	// Local update wins: resurrect with the local payload and re-assert it.
	rec := tethersync.Record{
		ID:        c.Local.ID,
		Version:   version,
		Payload:   c.Local.Payload,
		UpdatedAt: updatedAt,
	}
	return Resolution{
		Record: rec,
		Synthetic: &tethersync.ChangeEntry{
			RecordID:    rec.ID,
			Operation:   tethersync.OperationUpdate,
			Payload:     rec.Payload,
			Fields:      sortedCopy(c.PendingFields),
			BaseVersion: version,
			CreatedAt:   updatedAt,
		},
	}, nil
}

// mergeFields keeps locally touched fields and takes everything else from
// the remote payload. Output is canonical JSON (sorted keys), which makes
// repeated resolution byte-identical.
func (r *Resolver) mergeFields(c Conflict, version int64, updatedAt time.Time) (Resolution, error) {
	local, err := decodeObject(c.Local.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode local payload for %s: %w", c.Local.ID, err)
	}
	merged, err := decodeObject(c.Remote.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode remote payload for %s: %w", c.Remote.ID, err)
	}

	var audit []FieldAudit
	var retained []string
	for _, field := range sortedCopy(c.PendingFields) {
		localValue, localHas := local[field]
		remoteValue, remoteHas := merged[field]

		if localHas {
			if remoteHas && !bytes.Equal(localValue, remoteValue) {
				audit = append(audit, FieldAudit{Field: field, Discarded: remoteValue})
			}
			merged[field] = localValue
			retained = append(retained, field)
			continue
		}
		// Touched locally but absent: the field was removed by the client.
		if remoteHas {
			audit = append(audit, FieldAudit{Field: field, Discarded: remoteValue})
			delete(merged, field)
			retained = append(retained, field)
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode merged payload for %s: %w", c.Local.ID, err)
	}

	rec := tethersync.Record{
		ID:        c.Local.ID,
		Version:   version,
		Payload:   payload,
		UpdatedAt: updatedAt,
	}

	res := Resolution{Record: rec, Audit: audit}
	if len(retained) > 0 {
		// The server does not have the retained local values; re-assert them.
		res.Synthetic = &tethersync.ChangeEntry{
			RecordID:    rec.ID,
			Operation:   tethersync.OperationUpdate,
			Payload:     payload,
			Fields:      retained,
			BaseVersion: version,
			CreatedAt:   updatedAt,
		}
	}
	return res, nil
}

// decodeObject parses a payload as a flat JSON object. Empty payloads
// decode to an empty object.
func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return obj, nil
}

func sortedCopy(fields []string) []string {
	out := make([]string, len(fields))
	copy(out, fields)
	sort.Strings(out)
	return out
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
