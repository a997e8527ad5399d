package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewQueue(nil)
	q.Enqueue("a")
	q.Enqueue("b")

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	if err != nil || first != "a" {
		t.Fatalf("got %q, %v, want %q, nil", first, err, "a")
	}
	second, err := q.Dequeue(ctx)
	if err != nil || second != "b" {
		t.Fatalf("got %q, %v, want %q, nil", second, err, "b")
	}
}

func TestQueueDequeueBlocksThenCancels(t *testing.T) {
	q := NewQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after cancellation, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after context cancellation")
	}
}

func TestReclaimerDeletesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staged.dcm")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	queue := NewQueue(nil)
	registry := health.NewRegistry()
	logger := discardLogger()
	r := NewReclaimer(queue, logger, registry, "reclaimer")

	queue.Enqueue(path)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s to be removed", path)
}

func TestReclaimAbandonsMissingPathWithoutPanicking(t *testing.T) {
	queue := NewQueue(nil)
	registry := health.NewRegistry()
	logger := discardLogger()
	r := NewReclaimer(queue, logger, registry, "reclaimer")

	// A missing path is treated as already-deleted (os.ErrNotExist), so
	// reclaim must return without ever re-enqueueing it.
	r.reclaim(context.Background(), filepath.Join(t.TempDir(), "does-not-exist.dcm"))

	select {
	case <-time.After(20 * time.Millisecond):
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := queue.Dequeue(ctx); err == nil {
		t.Fatal("reclaim must not re-enqueue an already-missing path")
	}
}
