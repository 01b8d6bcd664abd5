// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message, Profile, Presence and the Store interface

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSelfConversation is returned when both participants are the same user
var ErrSelfConversation = errors.New("cannot start a conversation with yourself")

// ErrNotParticipant is returned when a user acts on a conversation they are not part of
var ErrNotParticipant = errors.New("user is not a participant of this conversation")

// MediaType classifies the primary payload of a message
type MediaType string

const (
	MediaTypeText    MediaType = "text"
	MediaTypeImage   MediaType = "image"
	MediaTypeVideo   MediaType = "video"
	MediaTypeFile    MediaType = "file"
	MediaTypeSticker MediaType = "sticker"
	MediaTypePoll    MediaType = "poll"
)

// Valid reports whether t is one of the known media types.
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeText, MediaTypeImage, MediaTypeVideo, MediaTypeFile, MediaTypeSticker, MediaTypePoll:
		return true
	}
	return false
}

// Status is a user's presence status
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known presence status.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusBusy || s == StatusOffline
}

// LastMessage is the denormalized snapshot of the newest message in a conversation
type LastMessage struct {
	SenderID  string    `json:"sender_id"`
	Preview   string    `json:"preview"`
	HasMedia  bool      `json:"has_media"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a pairwise channel between exactly two users.
// Participants are kept in sorted order and never change after creation.
type Conversation struct {
	ID           string       `json:"id"`
	Participants [2]string    `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// CanonicalParticipants orders a user pair so the same two users always map to
// the same conversation.
func CanonicalParticipants(a, b string) ([2]string, error) {
	if a == "" || b == "" {
		return [2]string{}, errors.New("participant ids are required")
	}
	if a == b {
		return [2]string{}, ErrSelfConversation
	}
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// StickerRef points at a sticker asset
type StickerRef struct {
	ID     string `json:"id"`
	PackID string `json:"pack_id,omitempty"`
	URL    string `json:"url"`
}

// Poll is an inline poll attached to a message.
// Votes maps voter user id to the chosen option index.
type Poll struct {
	Question  string         `json:"question"`
	Options   []string       `json:"options"`
	Votes     map[string]int `json:"votes,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Message is a single entry in a conversation's log.
// While Pending, ID is a client-local temporary id.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content"`
	MediaURLs      []string    `json:"media_urls,omitempty"`
	MediaType      MediaType   `json:"media_type"`
	Sticker        *StickerRef `json:"sticker,omitempty"`
	Poll           *Poll       `json:"poll,omitempty"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"created_at"`
	Pending        bool        `json:"-"`
}

// HasMedia reports whether the message carries anything other than text.
func (m *Message) HasMedia() bool {
	return len(m.MediaURLs) > 0 || m.Sticker != nil || m.Poll != nil
}

// Signature is the content fingerprint used to pair an optimistic entry with its
// confirmed counterpart when no correlation id is available.
func (m *Message) Signature() string {
	var b strings.Builder
	b.WriteString(string(m.MediaType))
	b.WriteByte(0)
	b.WriteString(m.Content)
	for _, u := range m.MediaURLs {
		b.WriteByte(0)
		b.WriteString(u)
	}
	if m.Sticker != nil {
		b.WriteString("\x00sticker:")
		b.WriteString(m.Sticker.ID)
	}
	if m.Poll != nil {
		b.WriteString("\x00poll:")
		b.WriteString(m.Poll.Question)
		for _, o := range m.Poll.Options {
			b.WriteByte(0)
			b.WriteString(o)
		}
	}
	return b.String()
}

// Clone returns a deep copy so callers can't mutate shared state.
func (m *Message) Clone() *Message {
	c := *m
	if m.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), m.MediaURLs...)
	}
	if m.Sticker != nil {
		s := *m.Sticker
		c.Sticker = &s
	}
	if m.Poll != nil {
		p := *m.Poll
		p.Options = append([]string(nil), m.Poll.Options...)
		if m.Poll.Votes != nil {
			p.Votes = make(map[string]int, len(m.Poll.Votes))
			for k, v := range m.Poll.Votes {
				p.Votes[k] = v
			}
		}
		if m.Poll.ExpiresAt != nil {
			t := *m.Poll.ExpiresAt
			p.ExpiresAt = &t
		}
		c.Poll = &p
	}
	return &c
}

// Preview builds the last-message snapshot for a message.
func (m *Message) Preview() *LastMessage {
	preview := m.Content
	if preview == "" {
		switch {
		case m.Poll != nil:
			preview = m.Poll.Question
		case m.Sticker != nil:
			preview = "[sticker]"
		case len(m.MediaURLs) > 0:
			preview = "[" + string(m.MediaType) + "]"
		}
	}
	if r := []rune(preview); len(r) > 120 {
		preview = string(r[:120])
	}
	return &LastMessage{
		SenderID:  m.SenderID,
		Preview:   preview,
		HasMedia:  m.HasMedia(),
		Timestamp: m.CreatedAt,
	}
}

// Less orders messages by CreatedAt ascending, then by ID.
func Less(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortMessages sorts messages by timestamp, then by ID for stable ordering.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// SortConversations orders conversations by recency (UpdatedAt desc, then ID).
func SortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

// Profile is a cached snapshot of a participant's public profile
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

// Presence is the global per-user status record
type Presence struct {
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence used by the feed hub
type Store interface {
	// Conversations
	GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages. SaveMessage appends and bumps the conversation's LastMessage/UpdatedAt.
	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, clientID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Profiles
	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// Presence
	SetPresence(ctx context.Context, p *Presence) error
	GetPresence(ctx context.Context, userID string) (*Presence, error)
	TouchPresence(ctx context.Context, userID string, at time.Time) error
	ListStalePresence(ctx context.Context, before time.Time) ([]*Presence, error)

	// Close releases any resources held by the store
	Close() error
}
