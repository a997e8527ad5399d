// Package inferencestore implements the Inference-Request Store: a
// durable single-consumer queue over InferenceRequest rows, with a
// bounded dedup LRU and archive-on-terminal semantics.
package inferencestore

import (
	"container/list"
	"context"
	"sync"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

// dedupCapacity bounds the in-memory dedup LRU, sized to the expected live
// queue depth.
const dedupCapacity = 4096

// dedupSet is a bounded LRU of in-flight job ids, replacing an unbounded
// global mutable set.
type dedupSet struct {
	mu       sync.Mutex
	order    *list.List
	elements map[string]*list.Element
	capacity int
	metrics  *telemetry.Metrics
}

func newDedupSet(capacity int, metrics *telemetry.Metrics) *dedupSet {
	return &dedupSet{
		order:    list.New(),
		elements: make(map[string]*list.Element),
		capacity: capacity,
		metrics:  metrics,
	}
}

func (d *dedupSet) addIfAbsent(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.elements[key]; ok {
		return false
	}
	if d.order.Len() >= d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.elements, oldest.Value.(string))
		}
	}
	d.elements[key] = d.order.PushFront(key)
	d.reportFillRatio()
	return true
}

func (d *dedupSet) remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.elements[key]; ok {
		d.order.Remove(el)
		delete(d.elements, key)
	}
	d.reportFillRatio()
}

func (d *dedupSet) reportFillRatio() {
	if d.metrics == nil {
		return
	}
	d.metrics.DedupSetFillRatio.Set(float64(d.order.Len()) / float64(d.capacity))
}

// Store is the Inference-Request Store.
//
// # Thread Safety
//
// All methods are safe for concurrent use; Take is intended for a single
// consumer.
type Store struct {
	table   *store.Store[model.InferenceRequest]
	archive *store.Store[model.InferenceRequest]
	dedup   *dedupSet
	queue   chan model.InferenceRequest
	logger  Logger
}

// Logger is the minimal logging surface Store needs, satisfied by *slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// New returns a Store backed by table (live rows) and archive (terminal
// rows), subscribing to table's change feed to drive the internal queue.
// table.Watch itself replays every row already persisted as an Added event
// at subscribe time, so a request accepted by an earlier process and still
// Queued at restart is re-enqueued without a separate reconciliation pass.
func New(ctx context.Context, table, archive *store.Store[model.InferenceRequest], metrics *telemetry.Metrics, logger Logger) *Store {
	s := &Store{
		table:   table,
		archive: archive,
		dedup:   newDedupSet(dedupCapacity, metrics),
		queue:   make(chan model.InferenceRequest, dedupCapacity),
		logger:  logger,
	}
	go s.watchLoop(ctx)
	return s
}

// watchLoop watches the backing table and enqueues only rows whose state
// == Queued and whose jobId is not already in the dedup set.
func (s *Store) watchLoop(ctx context.Context) {
	events := s.table.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == store.EventDeleted {
				continue
			}
			req := ev.Value
			if req.State != model.RequestStateQueued {
				continue
			}
			if !s.dedup.addIfAbsent(req.JobID) {
				continue
			}
			select {
			case s.queue <- req:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Add persists a newly submitted InferenceRequest.
func (s *Store) Add(ctx context.Context, req model.InferenceRequest) error {
	req.State = model.RequestStateQueued
	return s.table.Add(ctx, req)
}

// Take blocks until a Queued request is available, transitions it to
// InProcess, durably persists the transition before returning it.
func (s *Store) Take(ctx context.Context) (model.InferenceRequest, error) {
	select {
	case req := <-s.queue:
		req.State = model.RequestStateInProcess
		if err := s.table.Save(ctx, req); err != nil {
			return model.InferenceRequest{}, err
		}
		// The row is no longer waiting in the queue, so it no longer needs
		// dedup protection; a later failure re-queues it as state Queued,
		// which must be free to re-enter the dedup set and be redelivered.
		s.dedup.remove(req.JobID)
		return req, nil
	case <-ctx.Done():
		return model.InferenceRequest{}, ctx.Err()
	}
}

// Update applies an outcome. Success archives the request as Completed.
// Fail increments TryCount and requeues it as Queued, archiving it as
// Completed/Fail once TryCount exceeds MaxRetry.
func (s *Store) Update(ctx context.Context, req model.InferenceRequest, success bool) error {
	if success {
		req.State = model.RequestStateCompleted
		req.Status = model.RequestStatusSuccess
		return s.archiveAndForget(ctx, req)
	}

	req.TryCount++
	if req.TryCount > model.MaxRetry {
		req.State = model.RequestStateCompleted
		req.Status = model.RequestStatusFail
		return s.archiveAndForget(ctx, req)
	}

	req.State = model.RequestStateQueued
	if err := s.table.Save(ctx, req); err != nil {
		return err
	}
	return nil
}

func (s *Store) archiveAndForget(ctx context.Context, req model.InferenceRequest) error {
	defer s.dedup.remove(req.JobID)

	if err := s.archive.Add(ctx, req); err != nil {
		// A final archive failure logs and drops the request; it is not
		// resurrected.
		s.logger.Error("failed to archive inference request, dropping", "transactionId", req.TransactionID, "error", err)
		_ = s.table.Remove(ctx, req.TransactionID)
		return nil
	}
	if err := s.table.Remove(ctx, req.TransactionID); err != nil {
		s.logger.Warn("archived inference request but failed to remove live row", "transactionId", req.TransactionID, "error", err)
	}
	return nil
}

// Get retrieves a request by jobId or payloadId, consulting the archive
// first, then the live table.
func (s *Store) Get(ctx context.Context, jobOrPayloadID string) (model.InferenceRequest, error) {
	if matches, err := s.archive.Query(ctx, map[string]string{"jobId": jobOrPayloadID}); err == nil && len(matches) > 0 {
		return matches[0], nil
	}
	if matches, err := s.archive.Query(ctx, map[string]string{"payloadId": jobOrPayloadID}); err == nil && len(matches) > 0 {
		return matches[0], nil
	}
	if matches, err := s.table.Query(ctx, map[string]string{"jobId": jobOrPayloadID}); err == nil && len(matches) > 0 {
		return matches[0], nil
	}
	matches, err := s.table.Query(ctx, map[string]string{"payloadId": jobOrPayloadID})
	if err != nil {
		return model.InferenceRequest{}, err
	}
	if len(matches) == 0 {
		return model.InferenceRequest{}, apperrors.New(apperrors.KindNotFound, nil)
	}
	return matches[0], nil
}

// StatusByTransactionID consults archive then live by transaction id.
func (s *Store) StatusByTransactionID(ctx context.Context, transactionID string) (model.InferenceRequest, error) {
	if req, err := s.archive.Find(ctx, transactionID); err == nil {
		return req, nil
	}
	return s.table.Find(ctx, transactionID)
}
