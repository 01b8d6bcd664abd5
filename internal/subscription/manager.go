// ABOUTME: Subscription manager holding the conversation-list feed and the single active message feed
// ABOUTME: Each feed is pumped by one goroutine; handlers run serialized per feed kind

package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-chat/internal/feed"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("subscription manager closed")

// SubscriptionError reports that a feed could not be opened.
type SubscriptionError struct {
	Query feed.Query
	Err   error
}

func (e *SubscriptionError) Error() string {
	target := e.Query.UserID
	if e.Query.Kind == feed.KindMessages {
		target = e.Query.ConversationID
	}
	return fmt.Sprintf("opening %s feed for %s: %v", e.Query.Kind, target, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Handlers receive feed deliveries. Conversations and Messages are each
// called from a single goroutine at a time.
type Handlers struct {
	Conversations func(snap feed.Snapshot)
	Messages      func(conversationID string, snap feed.Snapshot)
	// FeedEnded is called when a current feed ends with an error it could
	// not recover from. Optional.
	FeedEnded func(q feed.Query, err error)
}

// Stats reports open feeds.
type Stats struct {
	ConversationFeeds int
	MessageFeeds      int
	Active            string
}

// Manager owns the session's feeds.
type Manager struct {
	transport feed.Transport
	handlers  Handlers
	logger    *slog.Logger

	// ctx bounds every feed; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards lifecycle fields below
	closed   bool
	listSub  *feed.Subscription
	listUser string
	active   string
	msgSub   *feed.Subscription

	// generation identifies the current message feed. applyMu is held for
	// every message handler call, so a switch can wait out an in-flight apply.
	generation atomic.Uint64
	applyMu    sync.Mutex

	listMu sync.Mutex // serializes conversation handler calls
	wg     sync.WaitGroup
}

// New creates a manager over transport. Pass nil logger for default.
func New(transport feed.Transport, handlers Handlers, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		handlers:  handlers,
		logger:    logger.With("component", "subscription_manager"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SubscribeConversations opens the session's conversation-list feed. A
// session has one; calling again for the same user while it is open is a no-op.
// Feeds live until Close; ctx only gates the call itself.
func (m *Manager) SubscribeConversations(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.listSub != nil && isOpen(m.listSub) {
		if m.listUser == userID {
			return nil
		}
		m.listSub.Unsubscribe()
	}

	q := feed.ConversationsQuery(userID)
	sub, err := m.transport.Subscribe(m.ctx, q)
	if err != nil {
		m.listSub = nil
		return &SubscriptionError{Query: q, Err: err}
	}
	m.listSub = sub
	m.listUser = userID

	m.wg.Add(1)
	go m.pumpConversations(sub)

	m.logger.Debug("conversation feed opened", "user_id", userID, "sub_id", sub.ID())
	return nil
}

// SetActiveConversation makes id the conversation whose message feed is open.
// The previous feed is closed first. Selecting the conversation that is
// already active with an open feed is a no-op. On failure the previous
// active id is kept, no message feed is open, and nothing is retried;
// selecting again reopens it.
func (m *Manager) SetActiveConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if id == m.active && m.msgSub != nil && isOpen(m.msgSub) {
		return nil
	}

	// Past this point no event from the old feed may be applied.
	gen := m.advanceGeneration()
	if m.msgSub != nil {
		m.msgSub.Unsubscribe()
		m.msgSub = nil
	}

	q := feed.MessagesQuery(id)
	sub, err := m.transport.Subscribe(m.ctx, q)
	if err != nil {
		m.logger.Warn("opening message feed failed",
			"conversation_id", id,
			"active", m.active,
			"error", err)
		return &SubscriptionError{Query: q, Err: err}
	}

	previous := m.active
	m.active = id
	m.msgSub = sub

	m.wg.Add(1)
	go m.pumpMessages(sub, id, gen)

	m.logger.Debug("message feed switched",
		"from", previous,
		"to", id,
		"sub_id", sub.ID())
	return nil
}

// advanceGeneration retires the current message feed and waits for any
// apply already running against it.
func (m *Manager) advanceGeneration() uint64 {
	gen := m.generation.Add(1)
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return gen
}

// Active returns the active conversation id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stats reports the currently open feeds.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	if m.listSub != nil && isOpen(m.listSub) {
		s.ConversationFeeds = 1
	}
	if m.msgSub != nil && isOpen(m.msgSub) {
		s.MessageFeeds = 1
	}
	s.Active = m.active
	return s
}

func (m *Manager) pumpConversations(sub *feed.Subscription) {
	defer m.wg.Done()

	for snap := range sub.Events() {
		m.listMu.Lock()
		if m.handlers.Conversations != nil {
			m.handlers.Conversations(snap)
		}
		m.listMu.Unlock()
	}

	if err := sub.Err(); err != nil {
		m.feedEnded(sub, err, func() {
			m.mu.Lock()
			current := m.listSub == sub && !m.closed
			user := m.listUser
			if current {
				m.listSub = nil
			}
			m.mu.Unlock()
			if current {
				if rerr := m.SubscribeConversations(m.ctx, user); rerr != nil {
					m.reportEnded(feed.ConversationsQuery(user), rerr)
				}
			}
		})
	}
}

func (m *Manager) pumpMessages(sub *feed.Subscription, conversationID string, gen uint64) {
	defer m.wg.Done()

	for snap := range sub.Events() {
		m.applyMu.Lock()
		if m.generation.Load() != gen {
			m.applyMu.Unlock()
			continue
		}
		if m.handlers.Messages != nil {
			m.handlers.Messages(conversationID, snap)
		}
		m.applyMu.Unlock()
	}

	if err := sub.Err(); err != nil {
		m.feedEnded(sub, err, func() {
			m.mu.Lock()
			current := m.msgSub == sub && !m.closed
			if current {
				m.msgSub = nil
			}
			m.mu.Unlock()
			if current {
				if rerr := m.SetActiveConversation(m.ctx, conversationID); rerr != nil {
					m.reportEnded(feed.MessagesQuery(conversationID), rerr)
				}
			}
		})
	}
}

// feedEnded resyncs a feed dropped for lagging and reports anything else.
func (m *Manager) feedEnded(sub *feed.Subscription, err error, resync func()) {
	if errors.Is(err, feed.ErrLagged) {
		m.logger.Warn("feed lagged, resubscribing", "sub_id", sub.ID(), "kind", sub.Query().Kind)
		resync()
		return
	}
	m.logger.Warn("feed ended", "sub_id", sub.ID(), "kind", sub.Query().Kind, "error", err)
	m.reportEnded(sub.Query(), err)
}

func (m *Manager) reportEnded(q feed.Query, err error) {
	if m.handlers.FeedEnded != nil {
		m.handlers.FeedEnded(q, err)
	}
}

// Close ends both feeds and waits for their pumps to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.listSub != nil {
		m.listSub.Unsubscribe()
	}
	if m.msgSub != nil {
		m.msgSub.Unsubscribe()
	}
	m.advanceGeneration()
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Debug("subscription manager closed")
}

func isOpen(sub *feed.Subscription) bool {
	select {
	case <-sub.Done():
		return false
	default:
		return true
	}
}
