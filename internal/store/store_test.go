package store

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
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

func TestAddFindRemove(t *testing.T) {
	db := openTestDB(t)
	s := New[model.ApplicationEntity](db, "ae/")
	ctx := context.Background()

	ae := model.ApplicationEntity{Name: "scanner-1", AeTitle: "SCANNER1"}
	if err := s.Add(ctx, ae); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Find(ctx, "scanner-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AeTitle != "SCANNER1" {
		t.Fatalf("got aeTitle %q, want SCANNER1", got.AeTitle)
	}

	if err := s.Remove(ctx, "scanner-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Find(ctx, "scanner-1"); err == nil {
		t.Fatal("expected Find to fail after Remove")
	}
}

func TestAddIsIdempotentOnDuplicateKey(t *testing.T) {
	db := openTestDB(t)
	s := New[model.ApplicationEntity](db, "ae/")
	ctx := context.Background()

	ae := model.ApplicationEntity{Name: "scanner-1", AeTitle: "SCANNER1"}
	if err := s.Add(ctx, ae); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	// A second Add of the same key must succeed as a no-op (at-least-once
	// producer semantics), not overwrite with stale data or error.
	ae2 := model.ApplicationEntity{Name: "scanner-1", AeTitle: "DIFFERENT"}
	if err := s.Add(ctx, ae2); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	got, err := s.Find(ctx, "scanner-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AeTitle != "SCANNER1" {
		t.Fatalf("duplicate Add must not overwrite: got %q, want SCANNER1", got.AeTitle)
	}
}

func TestQueryFiltersByLabel(t *testing.T) {
	db := openTestDB(t)
	s := New[model.InferenceRequest](db, "inferreq/")
	ctx := context.Background()

	a := model.InferenceRequest{TransactionID: "tx-a", JobID: "job-a"}
	b := model.InferenceRequest{TransactionID: "tx-b", JobID: "job-b"}
	if err := s.Add(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, b); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Query(ctx, map[string]string{"jobId": "job-a"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].TransactionID != "tx-a" {
		t.Fatalf("got %+v, want exactly tx-a", matches)
	}
}

func TestWatchDeliversAddedEvent(t *testing.T) {
	db := openTestDB(t)
	s := New[model.ApplicationEntity](db, "ae/")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := s.Watch(ctx)

	if err := s.Add(ctx, model.ApplicationEntity{Name: "scanner-1", AeTitle: "SCANNER1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventAdded || ev.Key != "scanner-1" {
			t.Fatalf("got event %+v, want Added/scanner-1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Watch event")
	}
}

func TestWatchReplaysExistingRowsOnSubscribe(t *testing.T) {
	db := openTestDB(t)
	s := New[model.ApplicationEntity](db, "ae/")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rows written before anyone subscribes (e.g. by a prior process,
	// before a restart) must still be delivered once Watch is called.
	if err := s.Add(ctx, model.ApplicationEntity{Name: "scanner-1", AeTitle: "SCANNER1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, model.ApplicationEntity{Name: "scanner-2", AeTitle: "SCANNER2"}); err != nil {
		t.Fatal(err)
	}

	events := s.Watch(ctx)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Kind != EventAdded {
				t.Fatalf("got event kind %v, want Added for replayed row %q", ev.Kind, ev.Key)
			}
			seen[ev.Key] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for replay, saw %v", seen)
		}
	}
	if !seen["scanner-1"] || !seen["scanner-2"] {
		t.Fatalf("got %v, want both scanner-1 and scanner-2 replayed", seen)
	}
}
