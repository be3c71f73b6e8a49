// Package broker fans stored notifications out to in-process consumers
// (push dispatcher, websocket hub). Publishing never blocks: a subscriber
// that stops draining its queue loses events, not the publisher.
package broker

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dan/bws/wallet"
)

// DefaultQueueSize bounds a subscriber's queue when none is given.
const DefaultQueueSize = 128

// Broker distributes notifications to subscribers.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	log    hclog.Logger
}

// Subscription is one consumer's buffered queue.
type Subscription struct {
	b       *Broker
	ch      chan *wallet.Notification
	once    sync.Once
	dropped uint64
}

func New(logger hclog.Logger) *Broker {
	return &Broker{
		subs: make(map[*Subscription]struct{}),
		log:  logger,
	}
}

// Subscribe registers a consumer with the given queue size. A subscription
// made after Close is already drained and closed.
func (b *Broker) Subscribe(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Subscription{b: b, ch: make(chan *wallet.Notification, queueSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish queues the notification on every subscriber. Subscribers with a
// full queue miss the event.
func (b *Broker) Publish(n *wallet.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- n:
		default:
			s.dropped++
			b.log.Warn("subscriber queue full, notification dropped",
				"type", n.Type, "wallet", n.WalletID, "dropped", s.dropped)
		}
	}
}

// Close closes every subscriber's channel. Further publishes are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Chan is the subscriber's event stream. It is closed by Unsubscribe or by
// the broker shutting down.
func (s *Subscription) Chan() <-chan *wallet.Notification {
	return s.ch
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the consumer and closes its channel. Safe to call
// more than once, and safe concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		_, live := s.b.subs[s]
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		if live {
			close(s.ch)
		}
	})
}
