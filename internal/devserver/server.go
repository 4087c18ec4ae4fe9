// Package devserver is a reference sync authority: an in-memory server that
// speaks the delta protocol. It exists for development and end-to-end tests;
// production deployments point the engine at a real authority instead.
package devserver

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// DefaultIdempotencyTTL bounds how long push results are remembered.
// A client that retries an entry later than this may be applied twice.
const DefaultIdempotencyTTL = 24 * time.Hour

// ValidateFunc inspects an incoming entry and returns a human-readable
// rejection reason, or "" to accept. It models server-side business
// validation.
type ValidateFunc func(entry tethersync.PushEntry) string

// recordState is a record plus the change sequence that last touched it.
// Sequences are ULIDs, so lexicographic order is change order and the
// latest sequence doubles as the pull cursor.
type recordState struct {
	rec tethersync.Record
	seq string
}

type idemEntry struct {
	result    tethersync.PushResult
	expiresAt time.Time
}

// Server holds the authority state. All access is serialized; this is a
// correctness reference, not a throughput one.
type Server struct {
	mu       sync.Mutex
	records  map[string]*recordState
	idem     map[string]idemEntry
	validate ValidateFunc
	idemTTL  time.Duration
	entropy  *ulid.MonotonicEntropy
	now      func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithValidate installs a business validation hook applied to every entry.
func WithValidate(fn ValidateFunc) ServerOption {
	return func(s *Server) { s.validate = fn }
}

// WithIdempotencyTTL overrides the result cache lifetime.
func WithIdempotencyTTL(ttl time.Duration) ServerOption {
	return func(s *Server) { s.idemTTL = ttl }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates an empty authority.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		records: make(map[string]*recordState),
		idem:    make(map[string]idemEntry),
		idemTTL: DefaultIdempotencyTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.entropy = ulid.Monotonic(seededRand(), 0)
	return s
}

// nextSeq issues a strictly increasing change sequence.
func (s *Server) nextSeq() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Pull returns record states changed after the cursor, oldest change first.
func (s *Server) Pull(after tethersync.Cursor, limit int) tethersync.PullResponse {
	if limit <= 0 {
		limit = tethersync.DefaultPullLimit
	}
	if limit > tethersync.MaxPullLimit {
		limit = tethersync.MaxPullLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]*recordState, 0)
	for _, st := range s.records {
		if st.seq > string(after) {
			changed = append(changed, st)
		}
	}
	sortBySeq(changed)

	resp := tethersync.PullResponse{NextCursor: after}
	for i, st := range changed {
		if i == limit {
			resp.HasMore = true
			break
		}
		resp.Records = append(resp.Records, st.rec)
		resp.NextCursor = tethersync.Cursor(st.seq)
	}
	return resp
}

// Push applies a batch of entries in order, returning one result per entry.
// Results for previously seen idempotency keys are replayed from the cache
// without re-applying the entry.
func (s *Server) Push(req tethersync.PushRequest) tethersync.PushResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneIdemLocked()

	resp := tethersync.PushResponse{Results: make([]tethersync.PushResult, 0, len(req.Entries))}
	for _, entry := range req.Entries {
		if cached, ok := s.idem[entry.IdempotencyKey]; ok {
			resp.Results = append(resp.Results, cached.result)
			continue
		}
		result := s.applyLocked(entry)
		s.idem[entry.IdempotencyKey] = idemEntry{result: result, expiresAt: s.now().Add(s.idemTTL)}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

// applyLocked applies one entry against current state.
func (s *Server) applyLocked(entry tethersync.PushEntry) tethersync.PushResult {
	result := tethersync.PushResult{IdempotencyKey: entry.IdempotencyKey}

	if reason := s.validateEntry(entry); reason != "" {
		result.Status = tethersync.PushRejected
		result.Reason = reason
		return result
	}

	st, exists := s.records[entry.RecordID]
	var current int64
	if exists {
		current = st.rec.Version
	}

	// The entry was built against a version the server has since moved
	// past; hand the current state back for client-side resolution.
	if entry.BaseVersion < current {
		remote := st.rec
		result.Status = tethersync.PushConflicted
		result.Remote = &remote
		return result
	}

	next := tethersync.Record{
		ID:        entry.RecordID,
		Version:   current + 1,
		UpdatedAt: entry.CreatedAt,
	}
	if entry.Operation == tethersync.OperationDelete {
		next.Tombstone = true
	} else {
		next.Payload = entry.Payload
	}
	s.records[entry.RecordID] = &recordState{rec: next, seq: s.nextSeq()}

	result.Status = tethersync.PushAccepted
	result.NewVersion = next.Version
	return result
}

func (s *Server) validateEntry(entry tethersync.PushEntry) string {
	switch entry.Operation {
	case tethersync.OperationCreate, tethersync.OperationUpdate:
		if len(entry.Payload) > 0 && !json.Valid(entry.Payload) {
			return "malformed payload"
		}
	case tethersync.OperationDelete:
	default:
		return fmt.Sprintf("unknown operation %q", entry.Operation)
	}
	if s.validate != nil {
		return s.validate(entry)
	}
	return ""
}

func (s *Server) pruneIdemLocked() {
	now := s.now()
	for key, e := range s.idem {
		if now.After(e.expiresAt) {
			delete(s.idem, key)
		}
	}
}

// Seed installs a record directly, for tests and fixtures. The seeded state
// appears in the change stream like any accepted push.
func (s *Server) Seed(rec tethersync.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &recordState{rec: rec, seq: s.nextSeq()}
}

// Record returns the authority's current state for a record ID.
func (s *Server) Record(id string) (tethersync.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return tethersync.Record{}, false
	}
	return st.rec, true
}

func sortBySeq(states []*recordState) {
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
}

func seededRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
