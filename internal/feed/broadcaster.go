// ABOUTME: In-memory fan-out of committed snapshots to feed listeners
// ABOUTME: Listeners register for one or more keys; a listener that falls behind is dropped

package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/metrics"
)

// DefaultListenerBuffer is the channel buffer for each listener.
const DefaultListenerBuffer = 64

// ErrLagged ends a feed whose consumer could not keep up. Dropping the
// listener keeps every delivered feed gap-free; the consumer resubscribes and
// gets a fresh initial snapshot.
var ErrLagged = errors.New("feed subscriber lagged behind and was dropped")

// Listener is one registration with the Broadcaster. C is closed when the
// listener is removed; Lagged reports whether that was because it fell behind.
type Listener struct {
	ID     string
	C      <-chan Snapshot
	ch     chan Snapshot
	keys   []string
	lagged atomic.Bool
}

// Lagged reports whether the listener was dropped for falling behind.
func (l *Listener) Lagged() bool { return l.lagged.Load() }

// Broadcaster provides in-memory pub/sub of snapshots keyed by feed key.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]*Listener            // subID -> listener
	byKey     map[string]map[string]*Listener // key -> subID -> listener
	buffer    int
	closed    bool
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBroadcaster creates a broadcaster. buffer <= 0 uses DefaultListenerBuffer.
// Pass nil logger for default; m may be nil.
func NewBroadcaster(buffer int, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	return &Broadcaster{
		listeners: make(map[string]*Listener),
		byKey:     make(map[string]map[string]*Listener),
		buffer:    buffer,
		metrics:   m,
		logger:    logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a listener on keys. The listener is removed when ctx is
// cancelled. Subscribing to a closed broadcaster returns an already-closed listener.
func (b *Broadcaster) Subscribe(ctx context.Context, keys ...string) *Listener {
	ch := make(chan Snapshot, b.buffer)
	l := &Listener{
		ID:   uuid.New().String(),
		C:    ch,
		ch:   ch,
		keys: keys,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return l
	}
	b.listeners[l.ID] = l
	for _, key := range keys {
		if _, ok := b.byKey[key]; !ok {
			b.byKey[key] = make(map[string]*Listener)
		}
		b.byKey[key][l.ID] = l
	}
	b.mu.Unlock()

	b.logger.Debug("listener added", "sub_id", l.ID, "keys", keys)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(l.ID)
	}()

	return l
}

// Publish sends snap to every listener of key without blocking. Listeners
// whose buffers are full are dropped with Lagged set.
func (b *Broadcaster) Publish(key string, snap Snapshot) {
	var laggards []string

	b.mu.RLock()
	for id, l := range b.byKey[key] {
		select {
		case l.ch <- snap:
		default:
			laggards = append(laggards, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range laggards {
		b.logger.Warn("dropping lagging listener", "key", key, "sub_id", id)
		b.remove(id, true)
	}
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.remove(subID, false)
}

func (b *Broadcaster) remove(subID string, lagged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.listeners[subID]
	if !ok {
		return
	}
	delete(b.listeners, subID)
	for _, key := range l.keys {
		subs := b.byKey[key]
		delete(subs, subID)
		if len(subs) == 0 {
			delete(b.byKey, key)
		}
	}
	if lagged {
		l.lagged.Store(true)
		b.metrics.SubscriberDropped()
	}
	close(l.ch)

	b.logger.Debug("listener removed", "sub_id", subID, "lagged", lagged)
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close removes all listeners and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, l := range b.listeners {
		close(l.ch)
		delete(b.listeners, id)
	}
	b.byKey = make(map[string]map[string]*Listener)
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
