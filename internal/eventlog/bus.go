package eventlog

import (
	"sync"

	"github.com/jordigilh/memvid-export-api/internal/model"
)

// subscriberCapacity bounds each subscriber's channel. A slow consumer
// drops events rather than stalling Append, per spec.md §6 (broadcast
// channels are non-blocking with bounded capacity ≥ 256).
const subscriberCapacity = 256

// Bus fans live events out to subscribers grouped by job ID. It holds no
// history of its own; Log.Since serves replay from the registry's ring.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan model.Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan model.Event)}
}

// Subscription is a live feed of events for one job, plus the means to
// stop receiving them.
type Subscription struct {
	Events <-chan model.Event
	cancel func()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers a new listener for jobID's live events.
func (b *Bus) Subscribe(jobID string) *Subscription {
	ch := make(chan model.Event, subscriberCapacity)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan model.Event)
	}
	id := b.next
	b.next++
	b.subs[jobID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if m, ok := b.subs[jobID]; ok {
				if c, ok := m[id]; ok {
					delete(m, id)
					close(c)
				}
				if len(m) == 0 {
					delete(b.subs, jobID)
				}
			}
			b.mu.Unlock()
		})
	}
	return &Subscription{Events: ch, cancel: cancel}
}

// Publish broadcasts event to every live subscriber of its job,
// dropping it for any subscriber whose channel is full rather than
// blocking the caller (the registry's write lock is never held here,
// but Append still expects this to return promptly).
func (b *Bus) Publish(jobID string, event model.Event) {
	b.mu.Lock()
	subs := b.subs[jobID]
	chans := make([]chan model.Event, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many live subscribers a job currently has,
// used for observability and tests.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// RemoveJob closes every live subscriber channel for jobID and forgets the
// job entirely, used by the retention collector on expiry (spec.md §4.8)
// so any subscriber still attached sees its stream end and a later
// Subscribe call starts from empty rather than rejoining a stale group.
func (b *Bus) RemoveJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
