// ABOUTME: HTTP API handlers for conversations, messages, uploads, presence and profiles
// ABOUTME: Every write goes through the feed hub so live feeds see it in commit order

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/upload"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Error codes carried in JSON error bodies.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidQuery     = "invalid_query"
	CodeInvalidVote      = "invalid_vote"
	CodeInvalidRequest   = "invalid_request"
	CodeSelfConversation = "self_conversation"
	CodeNotParticipant   = "not_participant"
	CodeNotFound         = "not_found"
	CodeInFlight         = "in_flight"
	CodeTooLarge         = "too_large"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// Sender, id and timestamp are assigned by the server.
type SendMessageRequest struct {
	ClientID  string            `json:"client_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	MediaURLs []string          `json:"media_urls,omitempty"`
	MediaType store.MediaType   `json:"media_type,omitempty"`
	Sticker   *store.StickerRef `json:"sticker,omitempty"`
	Poll      *store.Poll       `json:"poll,omitempty"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// VoteRequest is the JSON request body for POST /api/messages/{id}/vote.
type VoteRequest struct {
	Option int `json:"option"`
}

// UploadResponse is the JSON response for POST /api/uploads.
type UploadResponse struct {
	Name      string          `json:"name"`
	URL       string          `json:"url"`
	MediaType store.MediaType `json:"media_type"`
}

// PresenceRequest is the JSON request body for PUT /api/presence.
type PresenceRequest struct {
	Status store.Status `json:"status"`
}

// ProfileRequest is the JSON request body for PUT /api/profile.
type ProfileRequest struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.PeerID == "" {
		g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "peer_id is required")
		return
	}

	conv, err := g.hub.GetOrCreateConversation(r.Context(), auth.UserID(r.Context()), req.PeerID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if !g.limiter.Allow(userID) {
		g.sendJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		return
	}

	var req SendMessageRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	msg := &store.Message{
		ClientID:       req.ClientID,
		ConversationID: r.PathValue("id"),
		SenderID:       userID,
		Content:        req.Content,
		MediaURLs:      req.MediaURLs,
		MediaType:      req.MediaType,
		Sticker:        req.Sticker,
		Poll:           req.Poll,
	}
	if msg.Poll != nil {
		msg.Poll.Votes = nil
	}

	committed, err := g.hub.Dispatch(r.Context(), msg)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, committed)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := g.hub.MarkRead(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

// handleVote handles POST /api/messages/{id}/vote.
func (g *Gateway) handleVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	msg, err := g.hub.Vote(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), req.Option)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, msg)
}

// handleUpload handles POST /api/uploads. The body is multipart with a single
// "file" part, streamed straight to storage.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "multipart body required")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "reading multipart body")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if ct, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = ct
		}
		url, err := g.uploads.Upload(r.Context(), upload.File{
			Name:        part.FileName(),
			ContentType: contentType,
			Data:        part,
		})
		part.Close()
		if err != nil {
			g.metrics.Upload("error")
			g.sendStoreError(w, err)
			return
		}
		g.metrics.Upload("ok")

		g.sendJSON(w, http.StatusCreated, UploadResponse{
			Name:      part.FileName(),
			URL:       url,
			MediaType: upload.Classify(contentType),
		})
		return
	}
	g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "file part is required")
}

// handleMedia handles GET /media/{name}. Only images and video render
// inline; everything else is a sandboxed download.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := g.uploads.Path(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	contentType := "application/octet-stream"
	if upload.Inline(name) {
		if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
			contentType = ct
		}
	} else {
		h.Set("Content-Disposition", "attachment")
	}
	// Set before ServeFile so it never sniffs the body.
	h.Set("Content-Type", contentType)
	http.ServeFile(w, r, p)
}

// handleSetPresence handles PUT /api/presence.
func (g *Gateway) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown status "+string(req.Status))
		return
	}
	if err := g.hub.PublishPresence(r.Context(), auth.UserID(r.Context()), req.Status); err != nil {
		g.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProfile handles GET /api/profiles/{id}.
func (g *Gateway) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := g.hub.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, p)
}

// handlePutProfile handles PUT /api/profile for the authenticated user.
func (g *Gateway) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "display_name is required")
		return
	}

	userID := auth.UserID(r.Context())
	if err := g.hub.UpsertProfile(r.Context(), &store.Profile{UserID: userID, DisplayName: name, AvatarURL: req.AvatarURL}); err != nil {
		g.sendStoreError(w, err)
		return
	}
	p, err := g.hub.Resolve(r.Context(), userID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, p)
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

// errorStatus maps domain errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, feed.ErrInvalidMessage):
		return http.StatusBadRequest, CodeInvalidMessage
	case errors.Is(err, feed.ErrInvalidQuery):
		return http.StatusBadRequest, CodeInvalidQuery
	case errors.Is(err, feed.ErrInvalidVote):
		return http.StatusBadRequest, CodeInvalidVote
	case errors.Is(err, store.ErrSelfConversation):
		return http.StatusBadRequest, CodeSelfConversation
	case errors.Is(err, store.ErrNotParticipant):
		return http.StatusForbidden, CodeNotParticipant
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, feed.ErrDispatchInFlight):
		return http.StatusConflict, CodeInFlight
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// sendStoreError writes the mapped error. Internal errors are logged and hidden.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, code, "internal server error")
		return
	}
	g.sendJSONError(w, status, code, err.Error())
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, ErrorResponse{Error: message, Code: code})
}
