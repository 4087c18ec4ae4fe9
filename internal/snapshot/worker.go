package snapshot

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"
)

// Snapshotter writes a consistent copy of the database to path.
// Implemented by the SQLite store.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Worker takes periodic snapshots of the local database and hands them to
// the uploader.
type Worker struct {
	store    Snapshotter
	uploader Uploader
	sourceID string
	dir      string
	interval time.Duration
}

// NewWorker creates a snapshot worker.
func NewWorker(store Snapshotter, uploader Uploader, sourceID, dir string, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		uploader: uploader,
		sourceID: sourceID,
		dir:      dir,
		interval: interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// The first snapshot waits for a full interval; a freshly started engine has
// nothing worth backing up yet.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("snapshot worker started",
		"component", "snapshot",
		"interval", w.interval.String(),
		"dir", w.dir,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot worker stopped",
				"component", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.snapshotOnce(ctx)
		}
	}
}

// snapshotOnce takes one snapshot and uploads it, logging failures without
// stopping the loop.
func (w *Worker) snapshotOnce(ctx context.Context) {
	start := time.Now()
	path := filepath.Join(w.dir, "current.db")

	if err := w.store.Snapshot(ctx, path); err != nil {
		slog.Error("snapshot failed",
			"component", "snapshot",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, w.sourceID, path); err != nil {
		slog.Error("snapshot upload failed",
			"component", "snapshot",
			"error", err,
		)
		return
	}

	slog.Info("snapshot complete",
		"component", "snapshot",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
