// ABOUTME: Store-backed feed hub: commits writes, then fans out snapshots to live subscriptions
// ABOUTME: Serves as the in-process Transport, message dispatcher, presence publisher and profile resolver

package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
)

const (
	// DefaultHistoryLimit bounds the initial message snapshot.
	DefaultHistoryLimit = 200

	// DefaultDedupeTTL is how long a dispatched client id is remembered.
	DefaultDedupeTTL = 10 * time.Minute

	dedupeCacheSize = 10000
)

var (
	// ErrInvalidMessage is returned when a dispatched message has nothing to send.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDispatchInFlight is returned when the same client id is being dispatched concurrently.
	ErrDispatchInFlight = errors.New("dispatch with this client id already in flight")

	// ErrInvalidVote is returned for votes on non-polls, out-of-range options or closed polls.
	ErrInvalidVote = errors.New("invalid poll vote")
)

// HubOptions configures a Hub.
type HubOptions struct {
	// Buffer is the per-listener channel buffer.
	Buffer int
	// HistoryLimit bounds the initial message snapshot.
	HistoryLimit int
	// DedupeTTL is how long dispatched client ids are remembered.
	DedupeTTL time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Hub owns the write path for conversations, messages and presence and
// publishes every committed change to the matching feeds.
type Hub struct {
	store       store.Store
	broadcaster *Broadcaster
	dedupe      *dedupe.Cache
	history     int
	buffer      int
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	// commitMu orders commits with their publishes, and initial snapshots
	// against both, so every feed sees changes in commit order.
	commitMu sync.RWMutex
}

// NewHub creates a hub over st.
func NewHub(st store.Store, opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultListenerBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		store:       st,
		broadcaster: NewBroadcaster(opts.Buffer, opts.Metrics, logger),
		dedupe:      dedupe.New(opts.DedupeTTL, dedupeCacheSize),
		history:     opts.HistoryLimit,
		buffer:      opts.Buffer,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "feed_hub"),
		now:         opts.Now,
	}
}

// Subscribe opens a feed for q. The first delivery is the initial snapshot;
// later deliveries follow commit order. The feed ends when ctx is cancelled,
// the consumer unsubscribes, or the consumer lags behind (ErrLagged).
func (h *Hub) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Kind == KindMessages {
		if _, err := h.store.GetConversation(ctx, q.ConversationID); err != nil {
			return nil, fmt.Errorf("opening messages feed: %w", err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)

	h.commitMu.RLock()
	listener := h.broadcaster.Subscribe(subCtx, q.Keys()...)
	initial, err := h.initialSnapshot(subCtx, q)
	h.commitMu.RUnlock()
	if err != nil {
		cancel()
		return nil, err
	}

	sub := NewSubscription(listener.ID, q, 1, cancel)
	h.metrics.SubscriptionOpened(string(q.Kind))
	h.logger.Debug("feed opened", "sub_id", sub.ID(), "kind", q.Kind)

	go h.forward(subCtx, sub, listener, initial)
	return sub, nil
}

// forward pumps one listener into its subscription.
func (h *Hub) forward(ctx context.Context, sub *Subscription, l *Listener, initial Snapshot) {
	var closeErr error
	defer func() {
		h.broadcaster.Unsubscribe(l.ID)
		sub.Close(closeErr)
		h.metrics.SubscriptionClosed(string(sub.Query().Kind))
		h.logger.Debug("feed closed", "sub_id", sub.ID(), "error", closeErr)
	}()

	if !sub.Deliver(initial) {
		return
	}
	for {
		select {
		case snap, ok := <-l.C:
			if !ok {
				if l.Lagged() {
					closeErr = ErrLagged
				}
				return
			}
			if !sub.Deliver(snap) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) initialSnapshot(ctx context.Context, q Query) (Snapshot, error) {
	snap := Snapshot{Query: q, Initial: true}
	switch q.Kind {
	case KindConversations:
		convs, err := h.store.ListConversations(ctx, q.UserID)
		if err != nil {
			return snap, fmt.Errorf("loading conversations: %w", err)
		}
		snap.Conversations = convs
	case KindMessages:
		msgs, err := h.store.ListMessages(ctx, q.ConversationID, h.history)
		if err != nil {
			return snap, fmt.Errorf("loading messages: %w", err)
		}
		snap.Messages = msgs
	case KindPresence:
		for _, key := range q.Keys() {
			userID := key[len("presence:"):]
			p, err := h.store.GetPresence(ctx, userID)
			if errors.Is(err, store.ErrNotFound) {
				p = &store.Presence{UserID: userID, Status: store.StatusOffline}
			} else if err != nil {
				return snap, fmt.Errorf("loading presence: %w", err)
			}
			snap.Presence = append(snap.Presence, p)
		}
	}
	return snap, nil
}

// Dispatch commits msg and publishes it. A message whose ClientID was already
// committed resolves to the stored message without a second write, so a
// dispatch retried after a timeout is idempotent.
func (h *Hub) Dispatch(ctx context.Context, msg *store.Message) (*store.Message, error) {
	start := time.Now()
	if err := validateMessage(msg); err != nil {
		h.metrics.Dispatched("invalid", time.Since(start).Seconds())
		return nil, err
	}

	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		h.metrics.Dispatched("error", time.Since(start).Seconds())
		return nil, err
	}
	if !conv.HasParticipant(msg.SenderID) {
		h.metrics.Dispatched("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %s in %s", store.ErrNotParticipant, msg.SenderID, msg.ConversationID)
	}

	key := ""
	if msg.ClientID != "" {
		key = msg.ConversationID + ":" + msg.ClientID
		existing, ok, err := h.lookupDispatched(ctx, key, msg)
		if err != nil {
			h.metrics.Dispatched("invalid", time.Since(start).Seconds())
			return nil, err
		}
		if ok {
			h.metrics.Dispatched("duplicate", time.Since(start).Seconds())
			return existing, nil
		}
		if !h.dedupe.Claim(key) {
			h.metrics.Dispatched("in_flight", time.Since(start).Seconds())
			return nil, ErrDispatchInFlight
		}
	}

	committed, err := h.commit(ctx, msg)
	if errors.Is(err, store.ErrDuplicateMessage) {
		existing, lookupErr := h.store.GetMessageByClientID(ctx, msg.ConversationID, msg.ClientID)
		if lookupErr == nil {
			h.dedupe.Remember(key, existing.ID)
			if existing.SenderID != msg.SenderID {
				h.metrics.Dispatched("invalid", time.Since(start).Seconds())
				return nil, errClientIDTaken(msg)
			}
			h.metrics.Dispatched("duplicate", time.Since(start).Seconds())
			return existing, nil
		}
	}
	if err != nil {
		if key != "" {
			h.dedupe.Release(key)
		}
		h.metrics.Dispatched("error", time.Since(start).Seconds())
		h.logger.Warn("dispatch failed",
			"conversation_id", msg.ConversationID,
			"client_id", msg.ClientID,
			"error", err)
		return nil, err
	}
	if key != "" {
		h.dedupe.Remember(key, committed.ID)
	}

	if err := h.store.TouchPresence(ctx, committed.SenderID, committed.CreatedAt); err != nil {
		h.logger.Warn("touching presence", "user_id", committed.SenderID, "error", err)
	}

	h.metrics.Dispatched("ok", time.Since(start).Seconds())
	h.logger.Debug("message dispatched",
		"conversation_id", committed.ConversationID,
		"message_id", committed.ID,
		"client_id", committed.ClientID)
	return committed, nil
}

// lookupDispatched finds an already-committed message for a client id. A
// message committed by another sender under the same id is an error.
func (h *Hub) lookupDispatched(ctx context.Context, key string, msg *store.Message) (*store.Message, bool, error) {
	var existing *store.Message
	if id, ok := h.dedupe.Recall(key); ok {
		if m, err := h.store.GetMessage(ctx, id); err == nil {
			existing = m
		}
	}
	if existing == nil {
		m, err := h.store.GetMessageByClientID(ctx, msg.ConversationID, msg.ClientID)
		if err != nil {
			return nil, false, nil
		}
		h.dedupe.Remember(key, m.ID)
		existing = m
	}
	if existing.SenderID != msg.SenderID {
		return nil, false, errClientIDTaken(msg)
	}
	return existing, true, nil
}

func errClientIDTaken(msg *store.Message) error {
	return fmt.Errorf("%w: client_id %s already used in %s", ErrInvalidMessage, msg.ClientID, msg.ConversationID)
}

// commit stores msg with a server id and timestamp and publishes it.
func (h *Hub) commit(ctx context.Context, msg *store.Message) (*store.Message, error) {
	committed := msg.Clone()
	committed.ID = uuid.New().String()
	committed.CreatedAt = h.now().UTC()
	committed.Pending = false
	committed.Read = false
	if committed.MediaType == "" {
		committed.MediaType = store.MediaTypeText
	}

	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	if err := h.store.SaveMessage(ctx, committed); err != nil {
		return nil, err
	}

	conv, err := h.store.GetConversation(ctx, committed.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("reloading conversation: %w", err)
	}
	h.broadcaster.Publish(MessagesKey(conv.ID), Snapshot{
		Query:    MessagesQuery(conv.ID),
		Messages: []*store.Message{committed.Clone()},
	})
	h.publishConversationsLocked(ctx, conv)
	return committed, nil
}

// publishConversationsLocked pushes the full conversation list to both
// participants. Caller holds commitMu.
func (h *Hub) publishConversationsLocked(ctx context.Context, conv *store.Conversation) {
	for _, userID := range conv.Participants {
		convs, err := h.store.ListConversations(ctx, userID)
		if err != nil {
			h.logger.Warn("listing conversations for publish", "user_id", userID, "error", err)
			continue
		}
		h.broadcaster.Publish(ConversationsKey(userID), Snapshot{
			Query:         ConversationsQuery(userID),
			Conversations: convs,
		})
	}
}

func validateMessage(msg *store.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.ConversationID == "" || msg.SenderID == "" {
		return fmt.Errorf("%w: conversation and sender are required", ErrInvalidMessage)
	}
	if msg.MediaType != "" && !msg.MediaType.Valid() {
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidMessage, msg.MediaType)
	}
	if msg.Content == "" && !msg.HasMedia() {
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	if msg.MediaType == store.MediaTypePoll && (msg.Poll == nil || len(msg.Poll.Options) < 2) {
		return fmt.Errorf("%w: poll needs at least two options", ErrInvalidMessage)
	}
	return nil
}

// GetOrCreateConversation returns the conversation between a and b, creating
// it and announcing it to both users on first use.
func (h *Hub) GetOrCreateConversation(ctx context.Context, a, b string) (*store.Conversation, error) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	conv, err := h.store.GetOrCreateConversation(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv.LastMessage == nil {
		h.publishConversationsLocked(ctx, conv)
	}
	return conv, nil
}

// Conversation returns a conversation by id.
func (h *Hub) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return h.store.GetConversation(ctx, id)
}

// MarkRead flags every message addressed to userID in the conversation as
// read and publishes the changed messages.
func (h *Hub) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, store.ErrNotParticipant
	}

	msgs, err := h.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}
	var changed []*store.Message
	for _, m := range msgs {
		if m.Read || m.ReceiverID != userID {
			continue
		}
		m.Read = true
		if err := h.store.UpdateMessage(ctx, m); err != nil {
			return len(changed), fmt.Errorf("marking message read: %w", err)
		}
		changed = append(changed, m)
	}
	if len(changed) > 0 {
		h.broadcaster.Publish(MessagesKey(conversationID), Snapshot{
			Query:    MessagesQuery(conversationID),
			Messages: changed,
		})
	}
	return len(changed), nil
}

// Vote records userID's choice on a poll message, replacing any earlier vote.
func (h *Hub) Vote(ctx context.Context, messageID, userID string, option int) (*store.Message, error) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Poll == nil {
		return nil, fmt.Errorf("%w: message is not a poll", ErrInvalidVote)
	}
	if option < 0 || option >= len(msg.Poll.Options) {
		return nil, fmt.Errorf("%w: option %d out of range", ErrInvalidVote, option)
	}
	if msg.Poll.ExpiresAt != nil && !h.now().Before(*msg.Poll.ExpiresAt) {
		return nil, fmt.Errorf("%w: poll closed", ErrInvalidVote)
	}
	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotParticipant
	}

	if msg.Poll.Votes == nil {
		msg.Poll.Votes = make(map[string]int)
	}
	msg.Poll.Votes[userID] = option
	if err := h.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording vote: %w", err)
	}
	h.broadcaster.Publish(MessagesKey(msg.ConversationID), Snapshot{
		Query:    MessagesQuery(msg.ConversationID),
		Messages: []*store.Message{msg.Clone()},
	})
	return msg, nil
}

// Resolve returns the public profile of userID.
func (h *Hub) Resolve(ctx context.Context, userID string) (store.Profile, error) {
	p, err := h.store.GetProfile(ctx, userID)
	if err != nil {
		return store.Profile{}, fmt.Errorf("resolving profile %s: %w", userID, err)
	}
	return *p, nil
}

// UpsertProfile stores a user's public profile.
func (h *Hub) UpsertProfile(ctx context.Context, p *store.Profile) error {
	return h.store.UpsertProfile(ctx, p)
}

// PublishPresence records a status change and announces it.
func (h *Hub) PublishPresence(ctx context.Context, userID string, status store.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid presence status %q", status)
	}
	now := h.now().UTC()
	return h.publishPresence(ctx, &store.Presence{UserID: userID, Status: status, LastSeen: now, UpdatedAt: now})
}

func (h *Hub) publishPresence(ctx context.Context, p *store.Presence) error {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	if err := h.store.SetPresence(ctx, p); err != nil {
		return err
	}
	h.broadcaster.Publish(PresenceKey(p.UserID), Snapshot{
		Query:    PresenceQuery(p.UserID),
		Presence: []*store.Presence{p},
	})
	h.metrics.PresenceChanged(string(p.Status))
	h.logger.Debug("presence changed", "user_id", p.UserID, "status", p.Status)
	return nil
}

// Touch records feed activity for userID without changing status.
func (h *Hub) Touch(ctx context.Context, userID string) error {
	return h.store.TouchPresence(ctx, userID, h.now().UTC())
}

// SweepPresence marks users offline whose last activity is older than staleAfter.
// It returns how many users were changed.
func (h *Hub) SweepPresence(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := h.store.ListStalePresence(ctx, h.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("listing stale presence: %w", err)
	}
	swept := 0
	for _, p := range stale {
		offline := &store.Presence{UserID: p.UserID, Status: store.StatusOffline, LastSeen: p.LastSeen, UpdatedAt: h.now().UTC()}
		if err := h.publishPresence(ctx, offline); err != nil {
			h.logger.Warn("sweeping presence", "user_id", p.UserID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		h.logger.Info("marked idle users offline", "count", swept)
	}
	return swept, nil
}

// RunPresenceSweeper sweeps every interval until ctx is cancelled.
func (h *Hub) RunPresenceSweeper(ctx context.Context, interval, staleAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.SweepPresence(ctx, staleAfter); err != nil && ctx.Err() == nil {
				h.logger.Error("presence sweep failed", "error", err)
			}
		}
	}
}

// Listeners returns the number of open feeds.
func (h *Hub) Listeners() int {
	return h.broadcaster.Len()
}

// Close ends every open feed.
func (h *Hub) Close() {
	h.broadcaster.Close()
	h.dedupe.Close()
}
