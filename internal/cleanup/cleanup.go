// Package cleanup implements the Instance-Cleanup Queue and the Disk
// Reclaimer background worker.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/retry"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

// Queue is an unbounded FIFO of absolute file paths awaiting deletion.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	closed  bool
	metrics *telemetry.Metrics
}

// NewQueue returns an empty Queue. metrics may be nil in tests.
func NewQueue(metrics *telemetry.Metrics) *Queue {
	q := &Queue{metrics: metrics}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends path to the tail of the queue.
func (q *Queue) Enqueue(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, path)
	if q.metrics != nil {
		q.metrics.CleanupQueueDepth.Set(float64(len(q.items)))
	}
	q.cond.Signal()
}

// Dequeue blocks until a path is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		q.cond.Wait()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if len(q.items) == 0 {
		return "", ctx.Err()
	}
	path := q.items[0]
	q.items = q.items[1:]
	if q.metrics != nil {
		q.metrics.CleanupQueueDepth.Set(float64(len(q.items)))
	}
	return path, nil
}

// Reclaimer drains a Queue, deleting each path, using a blocking-dequeue
// loop since the cleanup queue, unlike a TTL sweep, has no fixed interval.
type Reclaimer struct {
	queue    *Queue
	logger   *slog.Logger
	registry *health.Registry
	name     string
}

// NewReclaimer returns a Reclaimer draining queue, reporting its lifecycle
// as name in registry.
func NewReclaimer(queue *Queue, logger *slog.Logger, registry *health.Registry, name string) *Reclaimer {
	return &Reclaimer{queue: queue, logger: logger, registry: registry, name: name}
}

// Run drains the queue until ctx is cancelled; it runs forever until then.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.registry.Set(r.name, health.StatusRunning)
	defer r.registry.Set(r.name, health.StatusStopped)

	for {
		path, err := r.queue.Dequeue(ctx)
		if err != nil {
			r.registry.Set(r.name, health.StatusCancelled)
			return nil
		}
		r.reclaim(ctx, path)
	}
}

func (r *Reclaimer) reclaim(ctx context.Context, path string) {
	policy := retry.Policy{MaxAttempts: 3, Delays: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return apperrors.New(apperrors.KindTransientTransport, err)
	})
	if err != nil {
		// A file is eventually either deleted or logged-and-abandoned,
		// never retried unboundedly.
		r.logger.Warn("abandoning staged file after exhausting reclaim retries", "path", path, "error", err)
	}
}
