// ABOUTME: Server-Sent Event streaming of live feeds: conversations, messages and presence
// ABOUTME: Each stream opens one hub subscription and writes one "snapshot" event per delivery

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/feed"
)

// SSE event names.
const (
	EventSnapshot = "snapshot"
	EventEnd      = "end"
)

// FeedEnd is the payload of the final "end" event on a feed stream.
type FeedEnd struct {
	Error  string `json:"error,omitempty"`
	Lagged bool   `json:"lagged,omitempty"`
}

// handleConversationsFeed handles GET /api/feed/conversations.
func (g *Gateway) handleConversationsFeed(w http.ResponseWriter, r *http.Request) {
	g.streamFeed(w, r, feed.ConversationsQuery(auth.UserID(r.Context())))
}

// handleMessagesFeed handles GET /api/feed/conversations/{id}/messages.
// Only participants may read a conversation.
func (g *Gateway) handleMessagesFeed(w http.ResponseWriter, r *http.Request) {
	conv, err := g.hub.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if !conv.HasParticipant(auth.UserID(r.Context())) {
		g.sendJSONError(w, http.StatusForbidden, CodeNotParticipant, "not a participant")
		return
	}
	g.streamFeed(w, r, feed.MessagesQuery(conv.ID))
}

// handlePresenceFeed handles GET /api/feed/presence?user=a&user=b (or user=a,b).
func (g *Gateway) handlePresenceFeed(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range r.URL.Query()["user"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	g.streamFeed(w, r, feed.PresenceQuery(ids...))
}

// streamFeed subscribes to q and writes deliveries until the client goes
// away or the feed ends. Stream activity counts as presence activity.
func (g *Gateway) streamFeed(w http.ResponseWriter, r *http.Request, q feed.Query) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	ctx := r.Context()
	sub, err := g.hub.Subscribe(ctx, q)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	defer sub.Unsubscribe()

	userID := auth.UserID(ctx)
	g.touch(ctx, userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-sub.Events():
			if !ok {
				g.writeSSEEvent(w, EventEnd, feedEnd(sub.Err()))
				flusher.Flush()
				return
			}
			if err := g.writeSSEEvent(w, EventSnapshot, snap); err != nil {
				g.logger.Debug("feed client gone", "sub_id", sub.ID(), "error", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			g.touch(ctx, userID)
		}
	}
}

// touch records feed activity for presence.
func (g *Gateway) touch(ctx context.Context, userID string) {
	if err := g.hub.Touch(ctx, userID); err != nil && ctx.Err() == nil {
		g.logger.Warn("touching presence", "user_id", userID, "error", err)
	}
}

func feedEnd(err error) FeedEnd {
	if err == nil {
		return FeedEnd{}
	}
	return FeedEnd{Error: err.Error(), Lagged: errors.Is(err, feed.ErrLagged)}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}
