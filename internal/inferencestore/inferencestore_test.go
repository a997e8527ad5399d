package inferencestore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, context.Context, context.CancelFunc) {
	t.Helper()
	db := openTestDB(t)
	table := store.New[model.InferenceRequest](db, "inferreq/")
	archive := store.New[model.InferenceRequest](db, "inferreq-archive/")
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, table, archive, nil, discardLogger())
	return s, ctx, cancel
}

func TestAddThenTakeTransitionsToInProcess(t *testing.T) {
	s, ctx, cancel := newTestStore(t)
	defer cancel()

	req := model.InferenceRequest{TransactionID: "tx-1", JobID: "job-1", PayloadID: "payload-1"}
	if err := s.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	taken, err := s.Take(takeCtx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken.TransactionID != "tx-1" {
		t.Fatalf("got %q, want tx-1", taken.TransactionID)
	}
	if taken.State != model.RequestStateInProcess {
		t.Fatalf("got state %q, want InProcess", taken.State)
	}
}

func TestDuplicateQueuedRowIsNotTakenTwice(t *testing.T) {
	s, ctx, cancel := newTestStore(t)
	defer cancel()

	req := model.InferenceRequest{TransactionID: "tx-1", JobID: "job-1", PayloadID: "payload-1"}
	if err := s.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Re-adding the identical jobId is a no-op at the table layer, and the
	// dedup set must never enqueue the same jobId twice.
	if err := s.Add(ctx, req); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	if _, err := s.Take(takeCtx); err != nil {
		t.Fatalf("first Take: %v", err)
	}

	takeCtx2, takeCancel2 := context.WithTimeout(ctx, 100*time.Millisecond)
	defer takeCancel2()
	if _, err := s.Take(takeCtx2); err == nil {
		t.Fatal("expected second Take to time out, got a duplicate delivery")
	}
}

func TestUpdateSuccessArchivesAndForgets(t *testing.T) {
	s, ctx, cancel := newTestStore(t)
	defer cancel()

	req := model.InferenceRequest{TransactionID: "tx-1", JobID: "job-1", PayloadID: "payload-1"}
	if err := s.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}
	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	taken, err := s.Take(takeCtx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	if err := s.Update(ctx, taken, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.StatusByTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("StatusByTransactionID: %v", err)
	}
	if got.State != model.RequestStateCompleted || got.Status != model.RequestStatusSuccess {
		t.Fatalf("got state=%q status=%q, want Completed/Success", got.State, got.Status)
	}
}

func TestQueuedRowWrittenBeforeSubscribeIsStillTaken(t *testing.T) {
	db := openTestDB(t)
	table := store.New[model.InferenceRequest](db, "inferreq/")
	archive := store.New[model.InferenceRequest](db, "inferreq-archive/")
	ctx := context.Background()

	// Simulate a row left Queued by an earlier process: write it directly
	// to the table before any Store subscribes to it.
	req := model.InferenceRequest{TransactionID: "tx-1", JobID: "job-1", PayloadID: "payload-1", State: model.RequestStateQueued}
	if err := table.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := New(watchCtx, table, archive, nil, discardLogger())

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	taken, err := s.Take(takeCtx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken.TransactionID != "tx-1" {
		t.Fatalf("got %q, want tx-1 re-admitted from the table on subscribe", taken.TransactionID)
	}
}

func TestUpdateFailureRequeuesUntilMaxRetry(t *testing.T) {
	s, ctx, cancel := newTestStore(t)
	defer cancel()

	req := model.InferenceRequest{TransactionID: "tx-1", JobID: "job-1", PayloadID: "payload-1"}
	if err := s.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var last model.InferenceRequest
	for i := 0; i <= model.MaxRetry; i++ {
		takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
		taken, err := s.Take(takeCtx)
		takeCancel()
		if err != nil {
			t.Fatalf("Take on iteration %d: %v", i, err)
		}
		if err := s.Update(ctx, taken, false); err != nil {
			t.Fatalf("Update on iteration %d: %v", i, err)
		}
		last = taken
	}
	_ = last

	got, err := s.StatusByTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("StatusByTransactionID: %v", err)
	}
	if got.State != model.RequestStateCompleted || got.Status != model.RequestStatusFail {
		t.Fatalf("got state=%q status=%q, want Completed/Fail after exhausting retries", got.State, got.Status)
	}
}
