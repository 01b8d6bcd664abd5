// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation get-or-create, message ordering, client-id lookup, profiles and presence

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetOrCreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
}

func TestNewSQLiteStore_FreshSchemaCarriesClientID(t *testing.T) {
	s := newTestStore(t)

	var notNull int
	var dflt string
	err := s.db.QueryRow(
		`SELECT "notnull", dflt_value FROM pragma_table_info('messages') WHERE name = 'client_id'`,
	).Scan(&notNull, &dflt)
	require.NoError(t, err)
	assert.Equal(t, 1, notNull)
	assert.Equal(t, "''", dflt)

	var unique int
	err = s.db.QueryRow(
		`SELECT "unique" FROM pragma_index_list('messages') WHERE name = 'idx_messages_client_id'`,
	).Scan(&unique)
	require.NoError(t, err)
	assert.Equal(t, 1, unique)
}

func TestNewSQLiteStore_ReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv, err := first.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestGetOrCreateConversation_SamePairConverges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	second, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, [2]string{"alice", "bob"}, second.Participants)
}

func TestGetOrCreateConversation_RejectsSelf(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateConversation(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessage_BumpsConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	at := conv.UpdatedAt.Add(time.Minute)
	msg := &Message{
		ID:             "m1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hello",
		MediaType:      MediaTypeText,
		CreatedAt:      at,
	}
	require.NoError(t, s.SaveMessage(ctx, msg))
	assert.Equal(t, "bob", msg.ReceiverID, "receiver should be derived from participants")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello", got.LastMessage.Preview)
	assert.Equal(t, "alice", got.LastMessage.SenderID)
	assert.True(t, got.UpdatedAt.Equal(at))

	// An older message must not move UpdatedAt backwards or replace LastMessage
	older := &Message{
		ID:             "m0",
		ConversationID: conv.ID,
		SenderID:       "bob",
		Content:        "late",
		MediaType:      MediaTypeText,
		CreatedAt:      at.Add(-30 * time.Second),
	}
	require.NoError(t, s.SaveMessage(ctx, older))

	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessage.Preview)
	assert.True(t, got.UpdatedAt.Equal(at))
}

func TestSaveMessage_RejectsNonParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	err = s.SaveMessage(ctx, &Message{
		ID:             "m1",
		ConversationID: conv.ID,
		SenderID:       "mallory",
		Content:        "hi",
		MediaType:      MediaTypeText,
		CreatedAt:      time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSaveMessage_DuplicateClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	base := Message{
		ConversationID: conv.ID,
		SenderID:       "alice",
		ClientID:       "c-1",
		Content:        "hi",
		MediaType:      MediaTypeText,
		CreatedAt:      time.Now(),
	}
	first := base
	first.ID = "m1"
	require.NoError(t, s.SaveMessage(ctx, &first))

	second := base
	second.ID = "m2"
	assert.ErrorIs(t, s.SaveMessage(ctx, &second), ErrDuplicateMessage)

	found, err := s.GetMessageByClientID(ctx, conv.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", found.ID)
}

func TestListMessages_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	ts := time.Unix(100, 0)
	for _, m := range []struct {
		id string
		at time.Time
	}{
		{"m3", ts.Add(time.Second)},
		{"m2", ts},
		{"m1", ts},
		{"m4", ts.Add(2 * time.Second)},
	} {
		require.NoError(t, s.SaveMessage(ctx, &Message{
			ID:             m.id,
			ConversationID: conv.ID,
			SenderID:       "alice",
			Content:        m.id,
			MediaType:      MediaTypeText,
			CreatedAt:      m.at,
		}))
	}

	all, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(all))

	newest, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, messageIDs(newest))
}

func TestSaveMessage_RoundTripsPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	expires := time.Unix(500, 0).UTC()
	msg := &Message{
		ID:             "poll-1",
		ConversationID: conv.ID,
		SenderID:       "bob",
		MediaType:      MediaTypePoll,
		Poll: &Poll{
			Question:  "lunch?",
			Options:   []string{"tacos", "ramen"},
			Votes:     map[string]int{"alice": 1},
			ExpiresAt: &expires,
		},
		CreatedAt: time.Unix(200, 0),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "poll-1")
	require.NoError(t, err)
	require.NotNil(t, got.Poll)
	assert.Equal(t, "lunch?", got.Poll.Question)
	assert.Equal(t, 1, got.Poll.Votes["alice"])
	assert.True(t, got.Poll.ExpiresAt.Equal(expires))

	got.Read = true
	got.Poll.Votes["bob"] = 0
	require.NoError(t, s.UpdateMessage(ctx, got))

	updated, err := s.GetMessage(ctx, "poll-1")
	require.NoError(t, err)
	assert.True(t, updated.Read)
	assert.Equal(t, 0, updated.Poll.Votes["bob"])
}

func TestListConversations_RecencyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withBob, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := s.GetOrCreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	_, err = s.GetOrCreateConversation(ctx, "bob", "carol")
	require.NoError(t, err)

	require.NoError(t, s.SaveMessage(ctx, &Message{
		ID:             "m1",
		ConversationID: withBob.ID,
		SenderID:       "bob",
		Content:        "newest",
		MediaType:      MediaTypeText,
		CreatedAt:      time.Now().Add(time.Hour),
	}))

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, withBob.ID, convs[0].ID)
	assert.Equal(t, withCarol.ID, convs[1].ID)
}

func TestProfileAndPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProfile(ctx, &Profile{UserID: "alice", DisplayName: "Alice"}))

	p, err := s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, StatusOffline, p.Status, "no presence row means offline")

	now := time.Now()
	require.NoError(t, s.SetPresence(ctx, &Presence{UserID: "alice", Status: StatusBusy, LastSeen: now, UpdatedAt: now}))

	p, err = s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, p.Status)

	_, err = s.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStalePresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	fresh := time.Now()

	require.NoError(t, s.SetPresence(ctx, &Presence{UserID: "idle", Status: StatusOnline, LastSeen: old, UpdatedAt: old}))
	require.NoError(t, s.SetPresence(ctx, &Presence{UserID: "active", Status: StatusOnline, LastSeen: old, UpdatedAt: old}))
	require.NoError(t, s.TouchPresence(ctx, "active", fresh))
	require.NoError(t, s.SetPresence(ctx, &Presence{UserID: "gone", Status: StatusOffline, LastSeen: old, UpdatedAt: old}))

	stale, err := s.ListStalePresence(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "idle", stale[0].UserID)
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
