// Package store implements the gateway's Persistence Layer:
// durable, per-entity tables over an embedded github.com/dgraph-io/badger/v4
// database, with add/find/remove/list/query/save operations, a push-based
// Watch() that emits ordered Added/Modified/Deleted events, and retry on
// every mutation.
//
// # Description
//
// Each entity type (ApplicationEntity, DestinationApplicationEntity,
// SourceApplicationEntity, InferenceRequest, InferenceJob) gets its own
// Store[T], scoped to a badger key prefix. Rows are JSON-encoded and carry a
// monotonic Version, bumped on every write. Watch events are published at
// write time, since badger/v4 has no change-stream of its own. Each row's
// labels (e.g. jobId, payloadId, transactionId) are stored in its envelope;
// there is no secondary index, so Query scans every row of the table. Watch
// replays every row already in the table as an Added event at subscribe
// time, so a subscriber started after a process restart observes the same
// rows it would have seen via live publish had it never stopped.
//
// # Thread Safety
//
// A Store's methods are safe for concurrent use: badger serializes writes
// per transaction, and reads run in their own snapshot transactions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/retry"
)

// EventKind identifies the kind of change Watch delivers.
type EventKind int

const (
	EventAdded EventKind = iota
	EventModified
	EventDeleted
)

// Event is one change-notification delivered by Watch.
type Event[T any] struct {
	Kind  EventKind
	Key   string
	Value T
}

// Entity is implemented by every row type stored in a Store[T]. StoreKey
// returns the entity's primary key; StoreLabels returns the subset of fields
// Query can filter by (e.g. jobId, payloadId, transactionId).
type Entity interface {
	StoreKey() string
	StoreLabels() map[string]string
}

type envelope struct {
	Version uint64          `json:"version"`
	Labels  map[string]string `json:"labels"`
	Value   json.RawMessage `json:"value"`
}

// Store is a generic, badger-backed table for one entity type.
type Store[T Entity] struct {
	db     *badger.DB
	prefix string

	mu        sync.Mutex // serializes writes within this prefix
	versions  map[string]uint64

	subMu     sync.RWMutex
	watchers  []chan Event[T]
}

// New returns a Store scoped to prefix (e.g. "ae/", "inferjob/") within db.
func New[T Entity](db *badger.DB, prefix string) *Store[T] {
	return &Store[T]{
		db:       db,
		prefix:   prefix,
		versions: make(map[string]uint64),
	}
}

func (s *Store[T]) key(k string) []byte { return []byte(s.prefix + k) }

// Add inserts a new row. It retries per retry.PersistenceBackoff and fails
// fatally after the fourth attempt.
func (s *Store[T]) Add(ctx context.Context, v T) error {
	return s.upsert(ctx, v, true)
}

// Save upserts a row, creating or overwriting it (used when a handler
// writes back an updated entity after a state transition).
func (s *Store[T]) Save(ctx context.Context, v T) error {
	return s.upsert(ctx, v, false)
}

func (s *Store[T]) upsert(ctx context.Context, v T, requireNew bool) error {
	key := v.StoreKey()
	if key == "" {
		return apperrors.New(apperrors.KindValidation, fmt.Errorf("entity has empty key"))
	}

	return retry.Do(ctx, retry.PersistenceBackoff(), func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		payload, err := json.Marshal(v)
		if err != nil {
			return apperrors.New(apperrors.KindValidation, err)
		}

		var kind EventKind
		noop := false
		version := s.versions[key] + 1

		err = s.db.Update(func(txn *badger.Txn) error {
			item, getErr := txn.Get(s.key(key))
			exists := getErr == nil
			if requireNew && exists {
				// Idempotent add: treat re-add of the same key as a no-op
				// success, matching at-least-once producer semantics.
				noop = true
				return nil
			}
			if exists {
				kind = EventModified
				// Continue from the stored version, since s.versions starts
				// empty in every process.
				if err := item.Value(func(val []byte) error {
					var prev envelope
					if err := json.Unmarshal(val, &prev); err != nil {
						return err
					}
					if prev.Version >= version {
						version = prev.Version + 1
					}
					return nil
				}); err != nil {
					return err
				}
			} else {
				kind = EventAdded
			}

			env := envelope{Version: version, Labels: v.StoreLabels(), Value: payload}
			raw, err := json.Marshal(env)
			if err != nil {
				return err
			}
			return txn.Set(s.key(key), raw)
		})
		if err != nil {
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
		if noop {
			return nil
		}

		s.versions[key] = version
		s.publish(Event[T]{Kind: kind, Key: key, Value: v})
		return nil
	})
}

// Find retrieves the row at key, returning apperrors.KindNotFound if absent.
func (s *Store[T]) Find(ctx context.Context, key string) (T, error) {
	var zero T
	var out T
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return apperrors.New(apperrors.KindNotFound, fmt.Errorf("key %q", key))
			}
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
		return item.Value(func(val []byte) error {
			var env envelope
			if err := json.Unmarshal(val, &env); err != nil {
				return apperrors.New(apperrors.KindDataCorruption, err)
			}
			return json.Unmarshal(env.Value, &out)
		})
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// Remove deletes the row at key, with retry per retry.PersistenceBackoff.
func (s *Store[T]) Remove(ctx context.Context, key string) error {
	return retry.Do(ctx, retry.PersistenceBackoff(), func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(s.key(key))
		})
		if err != nil {
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
		delete(s.versions, key)
		var zero T
		s.publish(Event[T]{Kind: EventDeleted, Key: key, Value: zero})
		return nil
	})
}

// List returns every row in the table, ordered by key.
func (s *Store[T]) List(ctx context.Context) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(s.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(s.prefix)); it.ValidForPrefix([]byte(s.prefix)); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var env envelope
				if err := json.Unmarshal(val, &env); err != nil {
					return err
				}
				var v T
				if err := json.Unmarshal(env.Value, &v); err != nil {
					return err
				}
				out = append(out, v)
				return nil
			})
			if err != nil {
				return apperrors.New(apperrors.KindDataCorruption, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreKey() < out[j].StoreKey() })
	return out, nil
}

// Query returns every row whose labels match all of the given label
// predicates (e.g. {"jobId": "abc"}).
func (s *Store[T]) Query(ctx context.Context, labels map[string]string) ([]T, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, v := range all {
		rowLabels := v.StoreLabels()
		match := true
		for k, want := range labels {
			if rowLabels[k] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, v)
		}
	}
	return out, nil
}

// Watch subscribes to Added/Modified/Deleted events for this table. On
// subscribe it replays every row currently in the table as an Added event,
// before delivering any subsequent live write, so a subscriber that starts
// after rows were written by an earlier process (e.g. on restart) still
// observes them. The returned channel is closed when ctx is done. The
// channel buffers 256 events; an event published while it is full is
// dropped for this watcher, which then sees that row's state again only on
// a later write to it, or through Find/List.
func (s *Store[T]) Watch(ctx context.Context) <-chan Event[T] {
	ch := make(chan Event[T], 256)
	s.subMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	if rows, err := s.List(ctx); err == nil {
		go func() {
			for _, v := range rows {
				select {
				case ch <- Event[T]{Kind: EventAdded, Key: v.StoreKey(), Value: v}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return ch
}

func (s *Store[T]) publish(ev Event[T]) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, w := range s.watchers {
		select {
		case w <- ev:
		default:
			// Drop rather than block a slow watcher; there is no poll, so
			// the row's latest state reaches it only with a later write.
		}
	}
}
