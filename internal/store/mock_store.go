// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[[2]string]string     // canonical pair -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	messageIndex  map[string]*Message      // keyed by message ID
	profiles      map[string]*Profile      // keyed by user ID
	presence      map[string]*Presence     // keyed by user ID

	// SaveErr, when set, is returned by SaveMessage
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[[2]string]string),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		profiles:      make(map[string]*Profile),
		presence:      make(map[string]*Presence),
	}
}

// GetOrCreateConversation returns or creates the conversation for a user pair.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	pair, err := CanonicalParticipants(a, b)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairIndex[pair]; ok {
		c := *m.conversations[id]
		return &c, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.conversations[conv.ID] = conv
	m.pairIndex[pair] = conv.ID

	c := *conv
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns the user's conversations, newest activity first.
func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			c := *conv
			out = append(out, &c)
		}
	}
	SortConversations(out)
	return out, nil
}

// SaveMessage appends a message and bumps the conversation.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if !conv.HasParticipant(msg.SenderID) {
		return ErrNotParticipant
	}
	if msg.ClientID != "" {
		for _, existing := range m.messages[msg.ConversationID] {
			if existing.ClientID == msg.ClientID {
				return ErrDuplicateMessage
			}
		}
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = conv.Peer(msg.SenderID)
	}

	stored := msg.Clone()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	m.messageIndex[msg.ID] = stored

	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.Timestamp) {
		conv.LastMessage = msg.Preview()
	}
	return nil
}

// UpdateMessage replaces the mutable fields of a stored message.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.messageIndex[msg.ID]
	if !ok {
		return ErrNotFound
	}
	updated := msg.Clone()
	stored.Read = updated.Read
	stored.Poll = updated.Poll
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// GetMessageByClientID finds a message by its correlation id.
func (m *MockStore) GetMessageByClientID(ctx context.Context, conversationID, clientID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if clientID == "" {
		return nil, ErrNotFound
	}
	for _, msg := range m.messages[conversationID] {
		if msg.ClientID == clientID {
			return msg.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the newest limit messages in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		out = append(out, msg.Clone())
	}
	SortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UpsertProfile stores a profile.
func (m *MockStore) UpsertProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.profiles[p.UserID] = &c
	return nil
}

// GetProfile returns a profile merged with presence.
func (m *MockStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Status = StatusOffline
	if pr, ok := m.presence[userID]; ok {
		c.Status = pr.Status
		c.LastSeen = pr.LastSeen
	}
	return &c, nil
}

// SetPresence records a status change.
func (m *MockStore) SetPresence(ctx context.Context, p *Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	if existing, ok := m.presence[p.UserID]; ok && existing.LastSeen.After(c.LastSeen) {
		c.LastSeen = existing.LastSeen
	}
	m.presence[p.UserID] = &c
	return nil
}

// GetPresence returns a presence record.
func (m *MockStore) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.presence[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// TouchPresence bumps last_seen.
func (m *MockStore) TouchPresence(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.presence[userID]
	if !ok {
		m.presence[userID] = &Presence{UserID: userID, Status: StatusOffline, LastSeen: at, UpdatedAt: at}
		return nil
	}
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	return nil
}

// ListStalePresence returns non-offline users idle since before.
func (m *MockStore) ListStalePresence(ctx context.Context, before time.Time) ([]*Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Presence
	for _, p := range m.presence {
		if p.Status != StatusOffline && p.LastSeen.Before(before) {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
