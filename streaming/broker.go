// Package streaming fans out live token deltas from in-flight runs to
// in-process subscribers. The broker is best-effort: tokens are dropped for
// slow subscribers rather than backpressuring the engine, and the durable
// record of a run is always the persisted messages, never the stream.
package streaming

import (
	"sync"
)

// subscriberBuffer bounds each subscriber channel. A subscriber further
// behind than this loses tokens.
const subscriberBuffer = 256

// Token is one streamed text delta from a run's assistant turn.
type Token struct {
	RunID int64
	Text  string

	// Final marks the synthetic end-of-run token. Text is empty on it.
	Final bool
}

type subscriber struct {
	id int64
	ch chan Token
}

// Broker routes tokens from running engines to watchers of the same run.
// All methods are safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64][]*subscriber
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int64][]*subscriber),
	}
}

// Subscribe registers a watcher for one run's tokens. The cancel function
// must be called when done; it closes the channel.
func (b *Broker) Subscribe(runID int64) (<-chan Token, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		ch: make(chan Token, subscriberBuffer),
	}
	b.subs[runID] = append(b.subs[runID], sub)

	id := sub.id
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[runID]
		for i, s := range list {
			if s.id != id {
				continue
			}
			b.subs[runID] = append(list[:i], list[i+1:]...)
			close(s.ch)
			break
		}
		if len(b.subs[runID]) == 0 {
			delete(b.subs, runID)
		}
	}
	return sub.ch, cancel
}

// Publish delivers one token to all subscribers of the run, dropping it for
// subscribers whose buffer is full.
func (b *Broker) Publish(runID int64, text string) {
	b.deliver(Token{RunID: runID, Text: text})
}

// Finish delivers the end-of-run marker to all subscribers of the run.
// Subscribers stay registered; cancellation is theirs.
func (b *Broker) Finish(runID int64) {
	b.deliver(Token{RunID: runID, Final: true})
}

func (b *Broker) deliver(tok Token) {
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs[tok.RunID]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- tok:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers for a run.
func (b *Broker) SubscriberCount(runID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
