// ABOUTME: Send coordinator: validation, uploads, optimistic insert, bounded dispatch retries, rollback
// ABOUTME: Errors distinguish empty input, invalid mixes, upload failure, timeout and hard dispatch failure

package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/messages"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/upload"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 500 * time.Millisecond
)

var (
	// ErrEmptyMessage is returned when a composition has no text, files, sticker or poll.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrInvalidComposition is returned when a sticker or poll is combined
	// with attachments or with each other, or a poll is malformed.
	ErrInvalidComposition = errors.New("invalid message composition")

	// ErrSendTimeout is wrapped in a SendError when every attempt timed out.
	ErrSendTimeout = errors.New("send timed out")
)

// SendError reports a dispatch failure after the optimistic entry was removed.
type SendError struct {
	ConversationID string
	LocalID        string
	ClientID       string
	Attempts       int
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Timeout reports whether the send failed by timing out.
func (e *SendError) Timeout() bool { return errors.Is(e.Err, ErrSendTimeout) }

// Composition is what the user wants to send.
type Composition struct {
	Text    string
	Files   []upload.File
	Sticker *store.StickerRef
	Poll    *store.Poll
}

// Dispatcher commits a message on the server and returns the confirmed copy.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *store.Message) (*store.Message, error)
}

// Uploads is the attachment pipeline.
type Uploads interface {
	UploadAll(ctx context.Context, files []upload.File) ([]upload.MediaRef, error)
}

// Log is the message store the coordinator writes optimistic entries to.
type Log interface {
	InsertOptimistic(conversationID string, draft *store.Message) *store.Message
	EvictPending(conversationID, localID string) bool
	IngestConfirmed(conversationID string, msg *store.Message) messages.Outcome
}

// Conversations looks up a conversation to derive the receiver.
type Conversations interface {
	Conversation(id string) (*store.Conversation, bool)
}

// Options configures a Coordinator.
type Options struct {
	Timeout time.Duration
	// Retries is the number of attempts after the first. Negative disables retries.
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
}

// Coordinator sends messages for one user.
type Coordinator struct {
	userID     string
	dispatcher Dispatcher
	uploads    Uploads
	log        Log
	convs      Conversations
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
}

// New creates a coordinator. convs may be nil, in which case the server
// derives the receiver.
func New(userID string, d Dispatcher, u Uploads, l Log, convs Conversations, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Coordinator{
		userID:     userID,
		dispatcher: d,
		uploads:    u,
		log:        l,
		convs:      convs,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		backoff:    opts.Backoff,
		logger:     logger.With("component", "send_coordinator", "user_id", userID),
	}
}

// Validate checks a composition without side effects.
func Validate(c Composition) error {
	hasText := strings.TrimSpace(c.Text) != ""
	if !hasText && len(c.Files) == 0 && c.Sticker == nil && c.Poll == nil {
		return ErrEmptyMessage
	}
	if c.Sticker != nil && c.Poll != nil {
		return fmt.Errorf("%w: sticker and poll cannot be combined", ErrInvalidComposition)
	}
	if (c.Sticker != nil || c.Poll != nil) && len(c.Files) > 0 {
		return fmt.Errorf("%w: stickers and polls cannot carry attachments", ErrInvalidComposition)
	}
	if c.Sticker != nil && c.Sticker.ID == "" {
		return fmt.Errorf("%w: sticker needs an id", ErrInvalidComposition)
	}
	if c.Poll != nil {
		if strings.TrimSpace(c.Poll.Question) == "" {
			return fmt.Errorf("%w: poll needs a question", ErrInvalidComposition)
		}
		if len(c.Poll.Options) < 2 {
			return fmt.Errorf("%w: poll needs at least two options", ErrInvalidComposition)
		}
	}
	for i, f := range c.Files {
		if f.Data == nil {
			return fmt.Errorf("%w: attachment %d has no data", ErrInvalidComposition, i)
		}
	}
	return nil
}

// Send delivers comp to the conversation and returns the confirmed message.
// Validation and upload failures leave no trace in the message store; a
// dispatch failure removes the optimistic entry and returns a SendError.
func (c *Coordinator) Send(ctx context.Context, conversationID string, comp Composition) (*store.Message, error) {
	if err := Validate(comp); err != nil {
		return nil, err
	}

	refs, err := c.uploads.UploadAll(ctx, comp.Files)
	if err != nil {
		return nil, err
	}

	draft := c.draft(conversationID, comp, refs)
	local := c.log.InsertOptimistic(conversationID, draft)

	confirmed, attempts, err := c.dispatch(ctx, local)
	if err != nil {
		c.log.EvictPending(conversationID, local.ID)
		c.logger.Warn("send failed",
			"conversation_id", conversationID,
			"client_id", local.ClientID,
			"attempts", attempts,
			"error", err)
		return nil, &SendError{
			ConversationID: conversationID,
			LocalID:        local.ID,
			ClientID:       local.ClientID,
			Attempts:       attempts,
			Err:            err,
		}
	}

	c.log.IngestConfirmed(conversationID, confirmed)
	return confirmed, nil
}

func (c *Coordinator) draft(conversationID string, comp Composition, refs []upload.MediaRef) *store.Message {
	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        comp.Text,
		MediaType:      store.MediaTypeText,
	}
	switch {
	case comp.Sticker != nil:
		s := *comp.Sticker
		msg.Sticker = &s
		msg.MediaType = store.MediaTypeSticker
	case comp.Poll != nil:
		msg.Poll = (&store.Message{Poll: comp.Poll}).Clone().Poll
		msg.Poll.Votes = nil
		msg.MediaType = store.MediaTypePoll
	case len(refs) > 0:
		msg.MediaURLs = upload.URLs(refs)
		msg.MediaType = upload.MessageMediaType(refs)
	}
	if c.convs != nil {
		if conv, ok := c.convs.Conversation(conversationID); ok {
			msg.ReceiverID = conv.Peer(c.userID)
		}
	}
	return msg
}

// dispatch sends local until it is confirmed, a permanent error occurs, or
// attempts run out. Every attempt carries the same client id.
func (c *Coordinator) dispatch(ctx context.Context, local *store.Message) (*store.Message, int, error) {
	out := local.Clone()
	out.ID = ""
	out.Pending = false

	var lastErr error
	attempt := 0
	for attempt <= c.retries {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return nil, attempt, err
			}
			c.logger.Debug("retrying dispatch", "client_id", out.ClientID, "attempt", attempt+1)
		}
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		confirmed, err := c.dispatcher.Dispatch(attemptCtx, out)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return confirmed, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if timedOut {
			lastErr = fmt.Errorf("%w after %s", ErrSendTimeout, c.timeout)
			continue
		}
		if permanent(err) {
			return nil, attempt, err
		}
		lastErr = err
	}
	return nil, attempt, lastErr
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, feed.ErrInvalidMessage) ||
		errors.Is(err, store.ErrNotParticipant) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrSelfConversation)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
