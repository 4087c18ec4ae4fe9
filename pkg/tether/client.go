// Package tether is the embeddable client for the offline-first sync
// engine: reads and writes go to a local SQLite store immediately, and a
// background coordinator reconciles with the sync authority when it can.
package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/resolve"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/transport"
)

// ErrNotFound is returned when a record does not exist or is deleted.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client is closed")

// Client is the application-facing handle. All methods are safe for
// concurrent use.
type Client struct {
	config      Config
	store       store.Store
	coordinator *engine.Coordinator
	sourceID    string

	mu     sync.RWMutex
	closed bool

	cancel     context.CancelFunc
	background sync.WaitGroup
	rejections chan Rejection
	states     chan SyncState
}

// New opens the local store and prepares the client. No network activity
// happens until Initialize.
func New(cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Minute
	}

	policy, err := resolve.ParseDeletePolicy(cfg.DeletePolicy)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.LocalPath)
	if err != nil {
		return nil, err
	}

	sourceID, err := ensureSourceID(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Client{
		config:     cfg,
		store:      st,
		sourceID:   sourceID,
		rejections: make(chan Rejection, 64),
		states:     make(chan SyncState, 16),
	}

	if cfg.RemoteURL != "" {
		client := transport.NewClient(cfg.RemoteURL, cfg.APIKey)
		c.coordinator = engine.New(st, client, resolve.New(policy), nil, sourceID, engine.Options{
			Interval:       cfg.SyncInterval,
			PullLimit:      cfg.PullLimit,
			PushBatchSize:  cfg.PushBatchSize,
			PurgeAfter:     cfg.PurgeAfter,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		})
	}

	return c, nil
}

// ensureSourceID reads the device identity, minting one on first run.
func ensureSourceID(ctx context.Context, st store.Store) (string, error) {
	id, err := st.GetMeta(ctx, store.MetaSourceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrMetaNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := st.SetMeta(ctx, store.MetaSourceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Initialize starts the background sync loop. Safe to skip for offline-only
// use; local reads and writes work either way.
func (c *Client) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.coordinator == nil || c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.background.Add(2)
	go func() {
		defer c.background.Done()
		c.coordinator.Run(ctx)
	}()
	go func() {
		defer c.background.Done()
		c.forwardEvents(ctx)
	}()

	return nil
}

// forwardEvents converts engine events into the client's channels.
func (c *Client) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rej := <-c.coordinator.Rejections():
			select {
			case c.rejections <- Rejection{
				RecordID:  rej.Entry.RecordID,
				Operation: rej.Entry.Operation,
				Payload:   rej.Entry.Payload,
				Reason:    rej.Reason,
			}:
			default:
			}
		case state := <-c.coordinator.Subscribe():
			select {
			case c.states <- SyncState(state):
			default:
			}
		}
	}
}

// Close stops background work and closes the local store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		c.background.Wait()
	}
	return c.store.Close()
}

// Put writes a record locally and queues the change for sync. The payload
// must be a JSON object; touched fields are derived by diffing its top-level
// keys against the current payload.
func (c *Client) Put(ctx context.Context, recordID string, payload json.RawMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	var next map[string]json.RawMessage
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}

	operation := tethersync.OperationUpdate
	var baseVersion int64
	var prev map[string]json.RawMessage

	current, err := c.store.GetRecord(ctx, recordID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		operation = tethersync.OperationCreate
	case err != nil:
		return err
	case current.Tombstone:
		// Re-creating a locally deleted record is a fresh create.
		operation = tethersync.OperationCreate
		baseVersion = current.Version
	default:
		baseVersion = current.Version
		if len(current.Payload) > 0 {
			if err := json.Unmarshal(current.Payload, &prev); err != nil {
				return fmt.Errorf("decode current payload: %w", err)
			}
		}
	}

	fields := diffFields(prev, next)
	if operation == tethersync.OperationUpdate && len(fields) == 0 {
		return nil
	}

	_, err = c.store.ApplyLocalChange(ctx, tethersync.ChangeEntry{
		RecordID:    recordID,
		Operation:   operation,
		Payload:     payload,
		Fields:      fields,
		BaseVersion: baseVersion,
		CreatedAt:   time.Now().UTC(),
	})
	return err
}

// diffFields returns the top-level keys that changed between two payloads.
// For a create (nil prev) every key counts.
func diffFields(prev, next map[string]json.RawMessage) []string {
	fields := make([]string, 0, len(next))
	for key, value := range next {
		old, ok := prev[key]
		if !ok || string(old) != string(value) {
			fields = append(fields, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			fields = append(fields, key)
		}
	}
	return fields
}

// Delete tombstones a record locally and queues the delete for sync.
func (c *Client) Delete(ctx context.Context, recordID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	current, err := c.store.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if current.Tombstone {
		return nil
	}

	_, err = c.store.ApplyLocalChange(ctx, tethersync.ChangeEntry{
		RecordID:    recordID,
		Operation:   tethersync.OperationDelete,
		BaseVersion: current.Version,
		CreatedAt:   time.Now().UTC(),
	})
	return err
}

// Get reads a record. Deleted and unknown records return ErrNotFound.
func (c *Client) Get(ctx context.Context, recordID string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	rec, err := c.store.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Tombstone {
		return nil, ErrNotFound
	}
	return &Record{ID: rec.ID, Version: rec.Version, Payload: rec.Payload, UpdatedAt: rec.UpdatedAt}, nil
}

// List returns all live records ordered by ID.
func (c *Client) List(ctx context.Context) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	records, err := c.store.ScanRecords(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, Record{ID: rec.ID, Version: rec.Version, Payload: rec.Payload, UpdatedAt: rec.UpdatedAt})
	}
	return out, nil
}

// TriggerSync requests a sync cycle as soon as possible. A no-op offline.
func (c *Client) TriggerSync() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.coordinator == nil {
		return
	}
	c.coordinator.TriggerSync()
}

// Status reports engine health and the number of unconfirmed local changes.
func (c *Client) Status(ctx context.Context) (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Status{}, ErrClosed
	}

	pending, err := c.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	s := Status{
		State:          SyncIdle,
		SourceID:       c.sourceID,
		PendingChanges: pending,
	}
	if c.coordinator != nil {
		es := c.coordinator.Status()
		s.State = SyncState(es.State)
		s.LastError = es.LastError
		s.LastSyncAt = es.LastSyncAt
		s.BackoffUntil = es.BackoffUntil
	}
	return s, nil
}

// Requeue moves rejected changes back to pending for another push attempt.
// Returns the number of changes requeued.
func (c *Client) Requeue(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.store.RequeueFailed(ctx)
}

// Rejections returns the stream of permanent server refusals.
func (c *Client) Rejections() <-chan Rejection {
	return c.rejections
}

// SyncStates returns the stream of coordinator state transitions.
func (c *Client) SyncStates() <-chan SyncState {
	return c.states
}

// SourceID returns this device's stable identity.
func (c *Client) SourceID() string {
	return c.sourceID
}
