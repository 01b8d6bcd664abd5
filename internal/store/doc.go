// Package store provides persistent storage for the chat backend using SQLite.
//
// # Architecture
//
// A single Store interface covers everything the feed hub persists:
//
//   - Conversations: pairwise channels, created on first contact
//   - Messages: the append-only log of each conversation
//   - Profiles: display names and avatars for the participant directory
//   - Presence: per-user status with a server-derived last_seen
//
// SQLiteStore implements the interface on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation with the same semantics for tests.
//
// # Data Models
//
//   - Conversation: two participants in canonical (sorted) order, a denormalized
//     LastMessage snapshot, and an UpdatedAt that never moves backwards
//   - Message: text and/or media, sticker, or poll payload; ClientID carries the
//     sender's correlation id so retries and optimistic entries can be matched
//   - Profile: public profile joined with presence status
//   - Presence: online, busy or offline plus LastSeen
//
// # Ordering
//
// Message history is always returned oldest first, ordered by created_at with
// the message id as tie-break. Timestamps are stored as unix nanoseconds so
// SQL ordering matches Go ordering exactly.
//
// # Errors
//
//   - ErrNotFound: entity does not exist
//   - ErrSelfConversation: both participants are the same user
//   - ErrNotParticipant: sender is not part of the conversation
//   - ErrDuplicateMessage: client id already used in this conversation
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/coven-chat/chat.db")
//	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
//	err = s.SaveMessage(ctx, &store.Message{...})
package store
