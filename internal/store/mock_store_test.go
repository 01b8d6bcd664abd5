// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on duplicate detection and edge cases specific to in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SaveMessage_DuplicateClientID(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	msg := &Message{
		ID:             "m1",
		ClientID:       "c-1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hi",
		MediaType:      MediaTypeText,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	// Second save with same client id should fail like the UNIQUE index does
	dup := *msg
	dup.ID = "m2"
	err = store.SaveMessage(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestMockStore_SaveErr(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	store.SaveErr = errors.New("disk full")
	err = store.SaveMessage(ctx, &Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice"})
	assert.EqualError(t, err, "disk full")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(ctx, &Message{
		ID:             "m1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "original",
		CreatedAt:      time.Now(),
	}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	got.Content = "mutated"

	again, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Content)
}

func TestMockStore_ListMessagesLimit(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	base := time.Unix(100, 0)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID:             id,
			ConversationID: conv.ID,
			SenderID:       "bob",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := store.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestMockStore_PresenceLastSeenMonotonic(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	later := time.Unix(200, 0)
	earlier := time.Unix(100, 0)

	require.NoError(t, store.TouchPresence(ctx, "alice", later))
	require.NoError(t, store.SetPresence(ctx, &Presence{UserID: "alice", Status: StatusOnline, LastSeen: earlier, UpdatedAt: earlier}))

	p, err := store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
	assert.True(t, p.LastSeen.Equal(later))
}
