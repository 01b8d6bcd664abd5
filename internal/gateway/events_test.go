// ABOUTME: Tests for Server-Sent Event feed streaming
// ABOUTME: Covers initial snapshots, live deliveries, access checks and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/store"
)

func decodeSnapshot(t *testing.T, ev sseEvent) feed.Snapshot {
	t.Helper()
	require.Equal(t, EventSnapshot, ev.Event, ev.Data)
	var snap feed.Snapshot
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &snap))
	return snap
}

func TestMessagesFeed_InitialAndLive(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	conv := createConversation(t, g, "alice", "bob")
	rec := do(t, g, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Content: "before"})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp, r := openFeed(t, g, srv, "bob", "/api/feed/conversations/"+conv.ID+"/messages")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	initial := decodeSnapshot(t, readEvent(t, r))
	assert.True(t, initial.Initial)
	require.Len(t, initial.Messages, 1)
	assert.Equal(t, "before", initial.Messages[0].Content)

	rec = do(t, g, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{ClientID: "c-9", Content: "live"})
	require.Equal(t, http.StatusCreated, rec.Code)

	live := decodeSnapshot(t, readEvent(t, r))
	assert.False(t, live.Initial)
	require.Len(t, live.Messages, 1)
	assert.Equal(t, "live", live.Messages[0].Content)
	assert.Equal(t, "c-9", live.Messages[0].ClientID)
}

func TestMessagesFeed_Access(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	conv := createConversation(t, g, "alice", "bob")

	rec := do(t, g, "mallory", http.MethodGet, "/api/feed/conversations/"+conv.ID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, g, "alice", http.MethodGet, "/api/feed/conversations/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationsFeed_AnnouncesNewConversation(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	_, r := openFeed(t, g, srv, "bob", "/api/feed/conversations")
	initial := decodeSnapshot(t, readEvent(t, r))
	assert.True(t, initial.Initial)
	assert.Empty(t, initial.Conversations)

	conv := createConversation(t, g, "alice", "bob")

	update := decodeSnapshot(t, readEvent(t, r))
	require.Len(t, update.Conversations, 1)
	assert.Equal(t, conv.ID, update.Conversations[0].ID)
}

func TestPresenceFeed(t *testing.T) {
	g, st := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	_, r := openFeed(t, g, srv, "bob", "/api/feed/presence?user=alice,carol")
	initial := decodeSnapshot(t, readEvent(t, r))
	require.Len(t, initial.Presence, 2)
	for _, p := range initial.Presence {
		assert.Equal(t, store.StatusOffline, p.Status)
	}

	rec := do(t, g, "alice", http.MethodPut, "/api/presence", PresenceRequest{Status: store.StatusOnline})
	require.Equal(t, http.StatusNoContent, rec.Code)

	update := decodeSnapshot(t, readEvent(t, r))
	require.Len(t, update.Presence, 1)
	assert.Equal(t, "alice", update.Presence[0].UserID)
	assert.Equal(t, store.StatusOnline, update.Presence[0].Status)

	// Opening a feed counts as activity for the subscriber
	p, err := st.GetPresence(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, p.LastSeen.IsZero())

	rec = do(t, g, "bob", http.MethodGet, "/api/feed/presence", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidQuery, decode[ErrorResponse](t, rec).Code)
}

func TestFeed_KeepAliveTouchesPresence(t *testing.T) {
	g, st := newTestGateway(t, nil)
	g.keepAlive = 20 * time.Millisecond
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	_, r := openFeed(t, g, srv, "bob", "/api/feed/conversations")
	decodeSnapshot(t, readEvent(t, r))

	first, err := st.GetPresence(context.Background(), "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := st.GetPresence(context.Background(), "bob")
		return err == nil && p.LastSeen.After(first.LastSeen)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown_EndsFeeds(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	_, r := openFeed(t, g, srv, "bob", "/api/feed/conversations")
	decodeSnapshot(t, readEvent(t, r))

	g.hub.Close()

	ev := readEvent(t, r)
	assert.Equal(t, EventEnd, ev.Event)
	var end FeedEnd
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &end))
	assert.False(t, end.Lagged)
	assert.Empty(t, end.Error)
}

func TestFeedEnd(t *testing.T) {
	assert.Equal(t, FeedEnd{}, feedEnd(nil))
	assert.Equal(t, FeedEnd{Error: feed.ErrLagged.Error(), Lagged: true}, feedEnd(feed.ErrLagged))
}
