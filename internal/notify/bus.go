// Package notify is the Instance-Stored Notification Bus: it publishes
// newly staged InstanceStorageInfo records from the SCP admission path to
// the per-AE job processors subscribed to them.
package notify

import (
	"sync"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
)

// Bus fans out InstanceStorageInfo events to subscribers, one stream per
// AE title. Within a single AE title's stream, events preserve the
// publish order of the association that produced them; across AE titles
// no ordering is implied.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan model.InstanceStorageInfo
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]chan model.InstanceStorageInfo)}
}

// Subscribe registers a new listener for aeTitle's stream. The returned
// channel is buffered so a slow per-AE processor does not block the SCP
// handler that published the event; unsubscribe by calling the returned
// cancel func.
func (b *Bus) Subscribe(aeTitle string) (<-chan model.InstanceStorageInfo, func()) {
	ch := make(chan model.InstanceStorageInfo, 256)
	b.mu.Lock()
	b.subscribers[aeTitle] = append(b.subscribers[aeTitle], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[aeTitle]
		for i, s := range subs {
			if s == ch {
				b.subscribers[aeTitle] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers info to every subscriber of aeTitle. A subscriber with a
// full buffer misses the event rather than blocking the publishing SCP
// association; the record is not persisted anywhere, only the staged file
// stays on disk.
func (b *Bus) Publish(aeTitle string, info model.InstanceStorageInfo) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[aeTitle] {
		select {
		case ch <- info:
		default:
		}
	}
}
