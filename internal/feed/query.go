// ABOUTME: Feed query and snapshot types shared by every Transport implementation
// ABOUTME: A query maps to broadcast keys so the hub can fan out committed changes

package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/store"
)

// Kind identifies what a feed streams.
type Kind string

const (
	KindConversations Kind = "conversations"
	KindMessages      Kind = "messages"
	KindPresence      Kind = "presence"
)

// ErrInvalidQuery is returned when a query is missing the ids its kind needs.
var ErrInvalidQuery = errors.New("invalid feed query")

// Query selects the server state a subscription follows.
type Query struct {
	Kind           Kind     `json:"kind"`
	UserID         string   `json:"user_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserIDs        []string `json:"user_ids,omitempty"`
}

// ConversationsQuery follows the conversation list of userID.
func ConversationsQuery(userID string) Query {
	return Query{Kind: KindConversations, UserID: userID}
}

// MessagesQuery follows the message log of one conversation.
func MessagesQuery(conversationID string) Query {
	return Query{Kind: KindMessages, ConversationID: conversationID}
}

// PresenceQuery follows status changes of the given users.
func PresenceQuery(userIDs ...string) Query {
	return Query{Kind: KindPresence, UserIDs: userIDs}
}

// Validate checks that the query names what its kind requires.
func (q Query) Validate() error {
	switch q.Kind {
	case KindConversations:
		if q.UserID == "" {
			return fmt.Errorf("%w: conversations feed needs a user id", ErrInvalidQuery)
		}
	case KindMessages:
		if q.ConversationID == "" {
			return fmt.Errorf("%w: messages feed needs a conversation id", ErrInvalidQuery)
		}
	case KindPresence:
		if len(q.UserIDs) == 0 {
			return fmt.Errorf("%w: presence feed needs at least one user id", ErrInvalidQuery)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, q.Kind)
	}
	return nil
}

// Keys returns the broadcast keys this query listens on.
func (q Query) Keys() []string {
	switch q.Kind {
	case KindConversations:
		return []string{ConversationsKey(q.UserID)}
	case KindMessages:
		return []string{MessagesKey(q.ConversationID)}
	case KindPresence:
		keys := make([]string, 0, len(q.UserIDs))
		seen := make(map[string]bool, len(q.UserIDs))
		for _, id := range q.UserIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			keys = append(keys, PresenceKey(id))
		}
		return keys
	}
	return nil
}

// ConversationsKey is the broadcast key for a user's conversation list.
func ConversationsKey(userID string) string { return "conversations:" + userID }

// MessagesKey is the broadcast key for a conversation's message log.
func MessagesKey(conversationID string) string { return "messages:" + conversationID }

// PresenceKey is the broadcast key for a user's presence.
func PresenceKey(userID string) string { return "presence:" + userID }

// Snapshot is one delivery on a feed. For conversation feeds it carries the
// full list; message and presence feeds carry the initial state when Initial
// is set and a batch of changes otherwise.
type Snapshot struct {
	Query         Query                 `json:"query"`
	Initial       bool                  `json:"initial,omitempty"`
	Conversations []*store.Conversation `json:"conversations,omitempty"`
	Messages      []*store.Message      `json:"messages,omitempty"`
	Presence      []*store.Presence     `json:"presence,omitempty"`
}

// Transport opens live feed subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}
