// ABOUTME: Subscription handle returned by a Transport
// ABOUTME: One producer goroutine delivers snapshots; the consumer reads Events and calls Unsubscribe

package feed

import (
	"sync"
)

// Subscription is a live feed. Events is closed when the feed ends, after
// which Err reports why (nil when the consumer unsubscribed).
type Subscription struct {
	id    string
	query Query

	events chan Snapshot
	done   chan struct{}
	cancel func()

	doneOnce   sync.Once
	eventsOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewSubscription creates a subscription for a Transport implementation.
// cancel is invoked once when the consumer unsubscribes and may be nil.
// The producer delivers with Deliver and must call Close when it stops.
func NewSubscription(id string, q Query, buffer int, cancel func()) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	return &Subscription{
		id:     id,
		query:  q,
		events: make(chan Snapshot, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Query returns the query the subscription follows.
func (s *Subscription) Query() Query { return s.query }

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Snapshot { return s.events }

// Done is closed once the subscription is unsubscribed or has failed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the feed, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe stops the feed. Safe to call more than once and from any goroutine.
func (s *Subscription) Unsubscribe() {
	s.doneOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Deliver hands a snapshot to the consumer, blocking until it is accepted or
// the subscription ends. It reports whether the snapshot was delivered.
// Producer only.
func (s *Subscription) Deliver(snap Snapshot) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- snap:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the feed from the producer side, recording err. Producer only,
// after its last Deliver.
func (s *Subscription) Close(err error) {
	if err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	s.doneOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.eventsOnce.Do(func() { close(s.events) })
}
