// ABOUTME: HTTP client for the coven-chat gateway API
// ABOUTME: Implements the session backend (dispatch, presence, profiles, conversations) and uploads over HTTP

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/upload"
)

var (
	// ErrUnauthorized is returned when the gateway rejects the token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when the gateway throttles sends.
	ErrRateLimited = errors.New("rate limited")
)

// codeErrors maps gateway error codes back to the domain errors they name.
var codeErrors = map[string]error{
	gateway.CodeInvalidMessage:   feed.ErrInvalidMessage,
	gateway.CodeInvalidQuery:     feed.ErrInvalidQuery,
	gateway.CodeInvalidVote:      feed.ErrInvalidVote,
	gateway.CodeSelfConversation: store.ErrSelfConversation,
	gateway.CodeNotParticipant:   store.ErrNotParticipant,
	gateway.CodeNotFound:         store.ErrNotFound,
	gateway.CodeInFlight:         feed.ErrDispatchInFlight,
	gateway.CodeTooLarge:         upload.ErrTooLarge,
	gateway.CodeRateLimited:      ErrRateLimited,
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap exposes the domain error named by the response code.
func (e *APIError) Unwrap() error {
	if err, ok := codeErrors[e.Code]; ok {
		return err
	}
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one gateway as one user.
type Client struct {
	baseURL string
	userID  string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for userID authenticating with token.
func New(baseURL, userID, token string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		token:   token,
		http:    hc,
		logger:  logger.With("component", "chat_client"),
	}
}

// UserID returns the user the client acts as.
func (c *Client) UserID() string { return c.userID }

// Dispatch sends msg and returns the committed message. Sender, id and
// timestamp are assigned by the gateway.
func (c *Client) Dispatch(ctx context.Context, msg *store.Message) (*store.Message, error) {
	req := gateway.SendMessageRequest{
		ClientID:  msg.ClientID,
		Content:   msg.Content,
		MediaURLs: msg.MediaURLs,
		MediaType: msg.MediaType,
		Sticker:   msg.Sticker,
		Poll:      msg.Poll,
	}
	var out store.Message
	path := "/api/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrCreateConversation returns the conversation between a and b. One of
// them must be the client's own user.
func (c *Client) GetOrCreateConversation(ctx context.Context, a, b string) (*store.Conversation, error) {
	var peer string
	switch c.userID {
	case a:
		peer = b
	case b:
		peer = a
	default:
		return nil, fmt.Errorf("%w: %s is neither %s nor %s", store.ErrNotParticipant, c.userID, a, b)
	}

	var out store.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", gateway.CreateConversationRequest{PeerID: peer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublishPresence sets the client's own status. The gateway takes the user
// from the token, so userID must be the client's user.
func (c *Client) PublishPresence(ctx context.Context, userID string, status store.Status) error {
	if userID != c.userID {
		return fmt.Errorf("cannot publish presence for %s as %s", userID, c.userID)
	}
	return c.doJSON(ctx, http.MethodPut, "/api/presence", gateway.PresenceRequest{Status: status}, nil)
}

// Resolve fetches a user's profile with presence.
func (c *Client) Resolve(ctx context.Context, userID string) (store.Profile, error) {
	var out store.Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(userID), nil, &out); err != nil {
		return store.Profile{}, err
	}
	return out, nil
}

// UpdateProfile sets the client's own display name and avatar.
func (c *Client) UpdateProfile(ctx context.Context, displayName, avatarURL string) (store.Profile, error) {
	var out store.Profile
	req := gateway.ProfileRequest{DisplayName: displayName, AvatarURL: avatarURL}
	if err := c.doJSON(ctx, http.MethodPut, "/api/profile", req, &out); err != nil {
		return store.Profile{}, err
	}
	return out, nil
}

// MarkRead marks every message addressed to the client in a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var out gateway.MarkReadResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// Vote records the client's choice on a poll message.
func (c *Client) Vote(ctx context.Context, messageID string, option int) (*store.Message, error) {
	var out store.Message
	path := "/api/messages/" + url.PathEscape(messageID) + "/vote"
	if err := c.doJSON(ctx, http.MethodPost, path, gateway.VoteRequest{Option: option}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload streams f to the gateway and returns its public URL.
func (c *Client) Upload(ctx context.Context, f upload.File) (string, error) {
	if f.Data == nil {
		return "", errors.New("upload has no data")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f.Data)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out gateway.UploadResponse
	if err := c.do(req, &out); err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	return out.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// doJSON sends in as a JSON body (when non-nil) and decodes the response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readError extracts the gateway error from a non-2xx response.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errResp gateway.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
