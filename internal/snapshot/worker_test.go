package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockSnapshotter records snapshot calls and writes a marker file.
type mockSnapshotter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSnapshotter) Snapshot(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("snapshot"), 0644)
}

func (m *mockSnapshotter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockUploader records uploaded paths.
type mockUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *mockUploader) Upload(ctx context.Context, sourceID, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.paths = append(m.paths, filePath)
	return nil
}

func (m *mockUploader) PresignedURL(ctx context.Context, sourceID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

func TestSnapshotOnce_WritesAndUploads(t *testing.T) {
	// Given: A worker with a healthy store and uploader
	dir := t.TempDir()
	st := &mockSnapshotter{}
	up := &mockUploader{}
	w := NewWorker(st, up, "dev-1", dir, time.Hour)

	// When: One snapshot runs
	w.snapshotOnce(context.Background())

	// Then: The file exists and was uploaded
	path := filepath.Join(dir, "current.db")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
	if len(up.paths) != 1 || up.paths[0] != path {
		t.Errorf("expected one upload of %s, got %v", path, up.paths)
	}
}

func TestSnapshotOnce_SkipsUploadOnSnapshotFailure(t *testing.T) {
	// Given: A store that cannot snapshot
	st := &mockSnapshotter{err: errors.New("disk full")}
	up := &mockUploader{}
	w := NewWorker(st, up, "dev-1", t.TempDir(), time.Hour)

	// When: One snapshot runs
	w.snapshotOnce(context.Background())

	// Then: Nothing is uploaded
	if len(up.paths) != 0 {
		t.Errorf("expected no uploads, got %v", up.paths)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	// Given: A running worker with a short interval
	st := &mockSnapshotter{}
	up := &mockUploader{}
	w := NewWorker(st, up, "dev-1", t.TempDir(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// When: Letting it tick and then cancelling
	time.Sleep(35 * time.Millisecond)
	cancel()

	// Then: The loop exits and at least one snapshot ran
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	if st.callCount() == 0 {
		t.Error("expected at least one snapshot")
	}
}

func TestNoopUploader_PresignedURLNotConfigured(t *testing.T) {
	// Given: The no-op uploader
	var u NoopUploader

	// When/Then: Upload succeeds silently, URL generation refuses
	if err := u.Upload(context.Background(), "dev-1", "x"); err != nil {
		t.Errorf("noop upload must not fail: %v", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), "dev-1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
