// ABOUTME: Tests for the gateway HTTP client against a real gateway over httptest
// ABOUTME: Covers request/response mapping, error codes, feeds, uploads and a full session round trip

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/send"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/upload"
)

const testSecret = "client-test-secret-0123456789abcdef"

const eventually = 3 * time.Second
const tick = 10 * time.Millisecond

type testEnv struct {
	gw       *gateway.Gateway
	srv      *httptest.Server
	verifier *auth.JWTVerifier
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "chat.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Uploads:  config.UploadsConfig{Dir: filepath.Join(dir, "media")},
	}
	cfg.ApplyDefaults()

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	t.Cleanup(func() {
		gw.Hub().Close()
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testEnv{gw: gw, srv: srv, verifier: verifier}
}

func (e *testEnv) client(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return New(e.srv.URL, userID, token, Options{HTTPClient: e.srv.Client(), Logger: testLogger()})
}

func receive(t *testing.T, sub *feed.Subscription) feed.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Events():
		require.True(t, ok, "feed closed: %v", sub.Err())
		return snap
	case <-time.After(eventually):
		t.Fatal("timed out waiting for snapshot")
		return feed.Snapshot{}
	}
}

func TestClient_ConversationAndDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.client(t, "alice")

	conv, err := alice.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, [2]string{"alice", "bob"}, conv.Participants)

	again, err := env.client(t, "bob").GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	_, err = alice.GetOrCreateConversation(ctx, "bob", "carol")
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	msg, err := alice.Dispatch(ctx, &store.Message{ConversationID: conv.ID, ClientID: "c-1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.ReceiverID)

	dup, err := alice.Dispatch(ctx, &store.Message{ConversationID: conv.ID, ClientID: "c-1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, dup.ID)

	n, err := env.client(t, "bob").MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.client(t, "alice")

	conv, err := alice.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = alice.Dispatch(ctx, &store.Message{ConversationID: conv.ID})
	assert.ErrorIs(t, err, feed.ErrInvalidMessage)

	_, err = env.client(t, "mallory").Dispatch(ctx, &store.Message{ConversationID: conv.ID, Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	_, err = alice.Dispatch(ctx, &store.Message{ConversationID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = alice.Resolve(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, gateway.CodeNotFound, apiErr.Code)

	bad := New(env.srv.URL, "alice", "not-a-token", Options{HTTPClient: env.srv.Client()})
	_, err = bad.Resolve(ctx, "alice")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_ProfileAndPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.client(t, "alice")

	p, err := alice.UpdateProfile(ctx, "Alice", "https://example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)

	require.NoError(t, alice.PublishPresence(ctx, "alice", store.StatusBusy))
	assert.Error(t, alice.PublishPresence(ctx, "bob", store.StatusBusy))

	p, err = env.client(t, "bob").Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBusy, p.Status)
	assert.Equal(t, "https://example.com/a.png", p.AvatarURL)
}

func TestClient_Upload(t *testing.T) {
	env := newTestEnv(t)
	alice := env.client(t, "alice")

	url, err := alice.Upload(context.Background(), upload.File{
		Name:        "notes.txt",
		ContentType: "text/plain",
		Data:        strings.NewReader("attachment body"),
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/media/"), url)

	resp, err := env.srv.Client().Get(env.srv.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "attachment body", string(body))
}

func TestClient_SubscribeMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.client(t, "alice")
	bob := env.client(t, "bob")

	conv, err := alice.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	sub, err := bob.Subscribe(ctx, feed.MessagesQuery(conv.ID))
	require.NoError(t, err)

	initial := receive(t, sub)
	assert.True(t, initial.Initial)
	assert.Empty(t, initial.Messages)

	sent, err := alice.Dispatch(ctx, &store.Message{ConversationID: conv.ID, ClientID: "c-7", Content: "live"})
	require.NoError(t, err)

	live := receive(t, sub)
	require.Len(t, live.Messages, 1)
	assert.Equal(t, sent.ID, live.Messages[0].ID)
	assert.Equal(t, "c-7", live.Messages[0].ClientID)

	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(eventually):
		t.Fatal("subscription not done after unsubscribe")
	}
	assert.NoError(t, sub.Err())
}

func TestClient_SubscribeRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.client(t, "alice").GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = env.client(t, "mallory").Subscribe(ctx, feed.MessagesQuery(conv.ID))
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	_, err = env.client(t, "alice").Subscribe(ctx, feed.PresenceQuery())
	assert.ErrorIs(t, err, feed.ErrInvalidQuery)
}

func TestClient_FeedEndedByGateway(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.client(t, "alice").Subscribe(context.Background(), feed.ConversationsQuery("alice"))
	require.NoError(t, err)
	receive(t, sub)

	env.gw.Hub().Close()

	select {
	case <-sub.Done():
	case <-time.After(eventually):
		t.Fatal("feed did not end")
	}
	require.Eventually(t, func() bool { return sub.Err() != nil }, eventually, tick)
	assert.ErrorIs(t, sub.Err(), ErrFeedEnded)
}

func TestReadEvents(t *testing.T) {
	stream := ": keepalive\n\nevent: snapshot\ndata: {\"a\":1}\n\nevent: other\ndata: x\ndata: y\n\n"
	var got []string
	err := readEvents(strings.NewReader(stream), func(event, data string) (bool, error) {
		got = append(got, event+"="+data)
		return true, nil
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{`snapshot={"a":1}`, "other=x\ny"}, got)
}

func TestSession_OverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start := func(userID, name string) *session.Session {
		c := env.client(t, userID)
		_, err := c.UpdateProfile(ctx, name, "")
		require.NoError(t, err)
		s := session.New(session.StaticIdentity{UserID: userID, DisplayName: name}, c, c, session.Options{
			SendTimeout: 2 * time.Second,
			Logger:      testLogger(),
		})
		require.NoError(t, s.Start(ctx))
		t.Cleanup(func() { s.Close(context.Background()) })
		return s
	}

	alice := start("alice", "Alice")
	bob := start("bob", "Bob")

	conv, err := alice.Open(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Active() == conv.ID }, eventually, tick)

	sent, err := alice.Send(ctx, send.Composition{
		Text:  "see attached",
		Files: []upload.File{{Name: "cat.png", ContentType: "image/png", Data: strings.NewReader("png bytes")}},
	})
	require.NoError(t, err)
	assert.Equal(t, store.MediaTypeImage, sent.MediaType)
	require.Len(t, sent.MediaURLs, 1)

	require.Eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, eventually, tick)

	require.Eventually(t, func() bool {
		p, ok := alice.Profile("bob")
		return ok && p.DisplayName == "Bob" && p.Status == store.StatusOnline
	}, eventually, tick)

	require.Len(t, alice.Messages(), 1)
	assert.False(t, alice.Messages()[0].Pending)
}
