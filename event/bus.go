package event

import (
	"sync"

	"github.com/youssefsiam38/hivepg/storage"
)

// subscriberBuffer is how many events a subscriber can lag behind before
// deliveries are dropped. Durable rows are unaffected; a dropped subscriber
// re-reads the log from its last seen seq.
const subscriberBuffer = 64

type busSub struct {
	id int64
	ch chan *storage.Event
}

// Bus fans persisted events out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses that delivery and is
// expected to reconcile from the durable log.
type Bus struct {
	mu     sync.RWMutex
	byRun  map[int64][]*busSub
	all    []*busSub
	nextID int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		byRun: make(map[int64][]*busSub),
	}
}

// Publish delivers an event to the run's subscribers and all-run
// subscribers without blocking.
func (b *Bus) Publish(ev *storage.Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byRun[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	for _, sub := range b.all {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscribeRun registers a subscriber for one run's events. The returned
// function unsubscribes and closes the channel; calling it more than once is
// safe.
func (b *Bus) SubscribeRun(runID int64) (<-chan *storage.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &busSub{id: b.nextID, ch: make(chan *storage.Event, subscriberBuffer)}
	b.nextID++
	b.byRun[runID] = append(b.byRun[runID], sub)

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byRun[runID]
		for i, s := range subs {
			if s.id == sub.id {
				b.byRun[runID] = append(subs[:i], subs[i+1:]...)
				if len(b.byRun[runID]) == 0 {
					delete(b.byRun, runID)
				}
				close(s.ch)
				return
			}
		}
	}
}

// SubscribeAll registers a subscriber for every run's events.
func (b *Bus) SubscribeAll() (<-chan *storage.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &busSub{id: b.nextID, ch: make(chan *storage.Event, subscriberBuffer)}
	b.nextID++
	b.all = append(b.all, sub)

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == sub.id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}
