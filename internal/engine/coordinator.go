// Package engine runs the sync coordinator: the single goroutine that owns
// network I/O and drives pull, merge, and push cycles against the local
// store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/tether/internal/metrics"
	"github.com/hyperengineering/tether/internal/resolve"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/transport"
)

// State is the coordinator's current phase.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateError   State = "error"
)

// Rejection is a permanent server refusal of one entry. The entry stays in
// the change log as failed until the application requeues or discards it.
type Rejection struct {
	Entry  tethersync.ChangeEntry
	Reason string
}

// Transport is the slice of the delta protocol client the coordinator uses.
type Transport interface {
	Pull(ctx context.Context, cursor tethersync.Cursor, limit int) (*tethersync.PullResponse, error)
	Push(ctx context.Context, req tethersync.PushRequest) (*tethersync.PushResponse, error)
}

// Options tune the cycle cadence and batch sizes. Zero values take defaults.
type Options struct {
	Interval       time.Duration
	PullLimit      int
	PushBatchSize  int
	PurgeAfter     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ProtocolRetryLimit caps consecutive cycles failing on an
	// uninterpretable server response. Past the cap automatic retries stop
	// and the coordinator waits for an explicit trigger.
	ProtocolRetryLimit int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.PullLimit <= 0 {
		o.PullLimit = tethersync.DefaultPullLimit
	}
	if o.PushBatchSize <= 0 {
		o.PushBatchSize = 100
	}
	if o.PurgeAfter <= 0 {
		o.PurgeAfter = 24 * time.Hour
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.ProtocolRetryLimit <= 0 {
		o.ProtocolRetryLimit = 5
	}
}

// Status is a snapshot of coordinator health.
type Status struct {
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	BackoffUntil time.Time `json:"backoff_until"`
}

// Coordinator drives the sync cycle. Exactly one Run loop may be active.
type Coordinator struct {
	store    store.Store
	client   Transport
	resolver *resolve.Resolver
	metrics  *metrics.Metrics
	sourceID string
	opts     Options

	// trigger has capacity 1: bursts of on-demand requests coalesce into
	// one extra cycle.
	trigger chan struct{}

	mu               sync.RWMutex
	state            State
	lastErr          error
	lastSync         time.Time
	backoffUntil     time.Time
	backoff          retry.Backoff
	protocolFailures int
	parked           bool

	states     chan State
	rejections chan Rejection
}

// New creates a coordinator. The resolver and metrics may be nil; a nil
// resolver uses the default delete policy.
func New(st store.Store, client Transport, resolver *resolve.Resolver, m *metrics.Metrics, sourceID string, opts Options) *Coordinator {
	opts.applyDefaults()
	if resolver == nil {
		resolver = resolve.New(resolve.DeletePolicyUpdateWins)
	}
	return &Coordinator{
		store:      st,
		client:     client,
		resolver:   resolver,
		metrics:    m,
		sourceID:   sourceID,
		opts:       opts,
		trigger:    make(chan struct{}, 1),
		state:      StateIdle,
		states:     make(chan State, 16),
		rejections: make(chan Rejection, 64),
	}
}

// TriggerSync requests a cycle as soon as possible. Requests arriving while
// a cycle runs coalesce into a single follow-up cycle.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Subscribe returns the state transition stream. Slow consumers miss
// transitions rather than stalling the engine.
func (c *Coordinator) Subscribe() <-chan State {
	return c.states
}

// Rejections returns the permanent rejection stream.
func (c *Coordinator) Rejections() <-chan Rejection {
	return c.rejections
}

// Status returns a snapshot of the coordinator's health.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		State:        c.state,
		LastSyncAt:   c.lastSync,
		BackoffUntil: c.backoffUntil,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Run drives the cycle loop until ctx is cancelled. The first cycle runs
// immediately, which also re-pushes any entries left in flight by a crash.
// After a failed cycle a retry fires as soon as the backoff deadline passes;
// an explicit trigger retries immediately, cutting the backoff short.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "engine",
		"source_id", c.sourceID,
		"interval", c.opts.Interval.String(),
	)

	c.runCycle(ctx, true)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}
	defer retryTimer.Stop()
	c.armRetry(retryTimer)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "engine",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx, false)
		case <-c.trigger:
			c.runCycle(ctx, true)
		case <-retryTimer.C:
			c.runCycle(ctx, true)
		}
		c.armRetry(retryTimer)
	}
}

// armRetry schedules a wakeup at the backoff deadline so a failed cycle
// retries without waiting for the next interval tick.
func (c *Coordinator) armRetry(t *time.Timer) {
	c.mu.RLock()
	until := c.backoffUntil
	parked := c.parked
	c.mu.RUnlock()

	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if parked || until.IsZero() {
		return
	}
	t.Reset(time.Until(until))
}

// runCycle executes one pull-merge-push cycle. Without force the cycle is
// skipped during an active backoff window and while retries are parked;
// force (explicit trigger, elapsed backoff) always runs.
func (c *Coordinator) runCycle(ctx context.Context, force bool) {
	c.mu.RLock()
	until := c.backoffUntil
	parked := c.parked
	c.mu.RUnlock()
	if !force {
		if parked {
			slog.Debug("cycle skipped while retries are parked", "component", "engine")
			return
		}
		if time.Now().Before(until) {
			slog.Debug("cycle skipped during backoff",
				"component", "engine",
				"backoff_until", until.Format(time.RFC3339),
			)
			return
		}
	}

	start := time.Now()
	err := c.cycle(ctx)

	outcome := "ok"
	switch {
	case err == nil:
		c.mu.Lock()
		c.state = StateIdle
		c.lastErr = nil
		c.lastSync = time.Now()
		c.backoffUntil = time.Time{}
		c.backoff = nil
		c.protocolFailures = 0
		c.parked = false
		c.mu.Unlock()
		c.publishState(StateIdle)
	case errors.Is(err, context.Canceled):
		return
	default:
		if transport.IsRetryable(err) {
			outcome = "retryable"
		} else {
			outcome = "error"
		}
		c.failCycle(err)
	}

	c.metrics.ObserveCycle(outcome, time.Since(start).Seconds())
	c.updatePendingGauge(ctx)
}

// failCycle records a cycle failure and decides between backing off and
// parking. Consecutive protocol failures past the cap park the coordinator:
// no automatic retry until an explicit trigger.
func (c *Coordinator) failCycle(err error) {
	var perr *transport.ProtocolError
	protocol := errors.As(err, &perr)

	c.mu.Lock()
	if protocol {
		c.protocolFailures++
	} else {
		c.protocolFailures = 0
	}
	park := c.protocolFailures >= c.opts.ProtocolRetryLimit
	c.state = StateError
	c.lastErr = err
	c.parked = park
	if park {
		c.backoffUntil = time.Time{}
	}
	c.mu.Unlock()

	if park {
		slog.Warn("protocol failures reached retry limit, automatic retry paused",
			"component", "engine",
			"error", err,
			"failures", c.opts.ProtocolRetryLimit,
		)
	} else {
		delay := c.nextBackoff()
		c.mu.Lock()
		c.backoffUntil = time.Now().Add(delay)
		c.mu.Unlock()
		slog.Warn("sync cycle failed",
			"component", "engine",
			"error", err,
			"retry_in", delay.String(),
		)
	}
	c.publishState(StateError)
}

// cycle is one full pass: pull and merge all pages, push everything
// unconfirmed, then garbage-collect acknowledged entries.
func (c *Coordinator) cycle(ctx context.Context) error {
	if err := c.pullAll(ctx); err != nil {
		return fmt.Errorf("pull phase: %w", err)
	}
	if err := c.pushAll(ctx); err != nil {
		return fmt.Errorf("push phase: %w", err)
	}
	if n, err := c.store.PurgeAcknowledgedOlderThan(ctx, c.opts.PurgeAfter); err != nil {
		return fmt.Errorf("purge acknowledged: %w", err)
	} else if n > 0 {
		slog.Debug("purged acknowledged entries", "component", "engine", "count", n)
	}
	return nil
}

// pullAll consumes the server's change stream from the checkpoint until no
// more pages remain, merging each page before advancing.
func (c *Coordinator) pullAll(ctx context.Context) error {
	c.setState(StatePulling)

	cursor, err := c.store.Checkpoint(ctx)
	if err != nil {
		return err
	}

	for {
		page, err := c.client.Pull(ctx, cursor, c.opts.PullLimit)
		if err != nil {
			return err
		}
		if len(page.Records) > 0 {
			if err := c.mergePage(ctx, page.Records, page.NextCursor); err != nil {
				return err
			}
		}
		cursor = page.NextCursor
		if !page.HasMore {
			return nil
		}
	}
}

// mergePage applies one pulled page. Records with unconfirmed local entries
// go through resolution first; the checkpoint advances only at the end, so
// a crash mid-page re-pulls it and every step is safe to re-apply.
func (c *Coordinator) mergePage(ctx context.Context, records []tethersync.Record, cursor tethersync.Cursor) error {
	pending, err := c.store.PendingRecordIDs(ctx)
	if err != nil {
		return err
	}

	direct := make([]tethersync.Record, 0, len(records))
	for _, rec := range records {
		if _, ok := pending[rec.ID]; !ok {
			direct = append(direct, rec)
			continue
		}
		c.setState(StateMerging)
		resolved, err := c.resolveRemote(ctx, rec)
		if err != nil {
			return err
		}
		if !resolved {
			direct = append(direct, rec)
		}
	}

	c.metrics.AddPulled(len(records))
	return c.store.ApplyPullBatch(ctx, direct, cursor)
}

// resolveRemote merges one divergent remote record into local state.
// Returns false when no real divergence remains and the record should be
// applied directly instead.
func (c *Coordinator) resolveRemote(ctx context.Context, remote tethersync.Record) (bool, error) {
	local, err := c.store.GetRecord(ctx, remote.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if remote.Version <= local.Version {
		// The local state already incorporates this remote version, typically
		// because a prior resolution adopted it. Nothing new to merge.
		return false, nil
	}

	ancestor := local.Version
	fields, deletePending, err := c.store.PendingFieldsSince(ctx, remote.ID, ancestor)
	if err != nil {
		return false, err
	}
	if len(fields) == 0 && !deletePending {
		return false, nil
	}

	res, err := c.resolver.Resolve(resolve.Conflict{
		Local:              *local,
		Remote:             remote,
		AncestorVersion:    ancestor,
		PendingFields:      fields,
		LocalDeletePending: deletePending,
	})
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", remote.ID, err)
	}

	entries, err := c.store.UnconfirmedEntries(ctx, remote.ID)
	if err != nil {
		return false, err
	}
	superseded := make([]int64, 0, len(entries))
	for _, e := range entries {
		superseded = append(superseded, e.EntryID)
	}

	if err := c.store.ApplyResolution(ctx, res.Record, res.Synthetic, superseded); err != nil {
		return false, err
	}

	c.metrics.IncConflict()
	slog.Info("conflict resolved",
		"component", "engine",
		"record_id", remote.ID,
		"local_version", local.Version,
		"remote_version", remote.Version,
		"fields_kept", fields,
		"fields_discarded", len(res.Audit),
		"reasserted", res.Synthetic != nil,
	)
	return true, nil
}

// pushAll re-pushes entries stranded in flight, then drains pending batches.
func (c *Coordinator) pushAll(ctx context.Context) error {
	c.setState(StatePushing)

	stranded, err := c.store.InFlightEntries(ctx)
	if err != nil {
		return err
	}
	if len(stranded) > 0 {
		slog.Info("re-pushing in-flight entries",
			"component", "engine",
			"count", len(stranded),
		)
		if err := c.pushEntries(ctx, stranded); err != nil {
			return err
		}
	}

	// Drain until no pending entries remain. Settling a conflicted result
	// can append a synthetic re-assert entry, which must go out in the same
	// cycle; rejected entries leave pending and superseded entries are
	// acknowledged, so the loop terminates.
	for {
		batch, err := c.store.NextBatch(ctx, c.opts.PushBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(batch))
		for _, e := range batch {
			ids = append(ids, e.EntryID)
		}
		if err := c.store.MarkInFlight(ctx, ids); err != nil {
			return err
		}
		if err := c.pushEntries(ctx, batch); err != nil {
			return err
		}
	}
}

// pushEntries submits one batch and settles each entry from its result.
// On transport failure entries stay in flight and are re-pushed with the
// same idempotency keys next cycle.
func (c *Coordinator) pushEntries(ctx context.Context, batch []tethersync.ChangeEntry) error {
	req := tethersync.PushRequest{
		SourceID: c.sourceID,
		Entries:  make([]tethersync.PushEntry, 0, len(batch)),
	}
	for _, e := range batch {
		req.Entries = append(req.Entries, tethersync.PushEntry{
			IdempotencyKey: tethersync.IdempotencyKey(c.sourceID, e.EntryID),
			RecordID:       e.RecordID,
			Operation:      e.Operation,
			Payload:        e.Payload,
			Fields:         e.Fields,
			BaseVersion:    e.BaseVersion,
			CreatedAt:      e.CreatedAt,
		})
	}

	resp, err := c.client.Push(ctx, req)
	if err != nil {
		return err
	}

	byKey := make(map[string]tethersync.PushResult, len(resp.Results))
	for _, r := range resp.Results {
		byKey[r.IdempotencyKey] = r
	}

	for _, entry := range batch {
		result := byKey[tethersync.IdempotencyKey(c.sourceID, entry.EntryID)]
		if err := c.settle(ctx, entry, result); err != nil {
			return err
		}
	}
	return nil
}

// settle applies one push result to the change log.
func (c *Coordinator) settle(ctx context.Context, entry tethersync.ChangeEntry, result tethersync.PushResult) error {
	switch result.Status {
	case tethersync.PushAccepted:
		c.metrics.AddPushed(result.Status, 1)
		return c.store.AcknowledgeEntry(ctx, entry, result.NewVersion)

	case tethersync.PushConflicted:
		c.metrics.AddPushed(result.Status, 1)
		if result.Remote == nil {
			return fmt.Errorf("conflicted result for entry %d without remote state", entry.EntryID)
		}
		resolved, err := c.resolveRemote(ctx, *result.Remote)
		if err != nil {
			return err
		}
		if !resolved {
			// Divergence already settled; the entry is superseded by the
			// remote state, which is adopted directly.
			if err := c.store.AcknowledgeEntry(ctx, entry, result.Remote.Version); err != nil {
				return err
			}
			cursor, err := c.store.Checkpoint(ctx)
			if err != nil {
				return err
			}
			return c.store.ApplyPullBatch(ctx, []tethersync.Record{*result.Remote}, cursor)
		}
		return nil

	case tethersync.PushRejected:
		c.metrics.AddPushed(result.Status, 1)
		c.metrics.IncRejection()
		if err := c.store.MarkFailed(ctx, []int64{entry.EntryID}, result.Reason); err != nil {
			return err
		}
		slog.Warn("entry rejected by server",
			"component", "engine",
			"entry_id", entry.EntryID,
			"record_id", entry.RecordID,
			"reason", result.Reason,
		)
		select {
		case c.rejections <- Rejection{Entry: entry, Reason: result.Reason}:
		default:
		}
		return nil

	default:
		return fmt.Errorf("unknown push status %q for entry %d", result.Status, entry.EntryID)
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.publishState(s)
	}
}

func (c *Coordinator) publishState(s State) {
	select {
	case c.states <- s:
	default:
	}
}

// nextBackoff returns the next delay in the exponential sequence, starting
// a new sequence after any successful cycle.
func (c *Coordinator) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoff == nil {
		b := retry.NewExponential(c.opts.InitialBackoff)
		b = retry.WithCappedDuration(c.opts.MaxBackoff, b)
		b = retry.WithJitterPercent(10, b)
		c.backoff = b
	}
	delay, _ := c.backoff.Next()
	return delay
}

func (c *Coordinator) updatePendingGauge(ctx context.Context) {
	count, err := c.store.PendingCount(ctx)
	if err != nil {
		return
	}
	c.metrics.SetPending(count)
}
