// Package changes implements the ChangeFeed broker (spec §4, component
// table: "Fan-out of per-database change notifications to subscribers").
//
// Grounded on the teacher's own preference for small, concrete,
// channel-based types (no reflection, no generic pub/sub framework) and on
// spec §9's "Observer pattern for change notifications": a broadcast
// channel per database with subscriber registration, where cancellation is
// unregistration on context cancel.
package changes

import (
	"context"
	"sync"

	"github.com/goydb/syncd/store"
)

// Broker fans out store.Change notifications to any number of
// subscribers. Each subscriber gets its own buffered channel so a slow
// reader cannot block the others or the publisher.
type Broker struct {
	mu          sync.Mutex
	subscribers map[int]chan store.Change
	nextID      int
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int]chan store.Change)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel func that unregisters it. The channel is closed once cancel has
// run; it is buffered so Publish from the database's execution context
// never blocks on a slow subscriber.
func (b *Broker) Subscribe(bufSize int) (<-chan store.Change, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan store.Change, bufSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// SubscribeContext is Subscribe plus automatic unregistration when ctx is
// done — the shape long-lived HTTP handlers (continuous _changes,
// _active_tasks) use so closing the connection detaches the subscription
// (spec §5 "Cancellation").
func (b *Broker) SubscribeContext(ctx context.Context, bufSize int) <-chan store.Change {
	ch, cancel := b.Subscribe(bufSize)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch
}

// Publish delivers c to every current subscriber. Subscribers with a full
// buffer have the change dropped for them rather than blocking the
// publisher — change feeds are best-effort fan-out; callers that need
// guaranteed delivery resume from the durable sequence number instead.
func (b *Broker) Publish(c store.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

// SubscriberCount reports the current number of active subscribers, for
// tests and diagnostics.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
