// ABOUTME: Session handle wiring the sync core services for one signed-in user
// ABOUTME: Exposes start, selection, sending, status and read access, plus a coalescing update stream

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/directory"
	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/messages"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/registry"
	"github.com/2389/coven-chat/internal/send"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/subscription"
	"github.com/2389/coven-chat/internal/upload"
)

// updateBuffer is the capacity of the Updates channel.
const updateBuffer = 64

var (
	// ErrNoActiveConversation is returned by Send when nothing is selected.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Identity is the signed-in user.
type Identity interface {
	CurrentUserID() string
	CurrentUserProfile() store.Profile
}

// StaticIdentity is an Identity with a fixed profile.
type StaticIdentity store.Profile

func (i StaticIdentity) CurrentUserID() string             { return i.UserID }
func (i StaticIdentity) CurrentUserProfile() store.Profile { return store.Profile(i) }

// Backend is everything a session needs from the server side.
type Backend interface {
	feed.Transport
	send.Dispatcher
	presence.Publisher
	directory.Resolver
	GetOrCreateConversation(ctx context.Context, a, b string) (*store.Conversation, error)
}

// UpdateKind says which view changed.
type UpdateKind string

const (
	UpdateConversations UpdateKind = "conversations"
	UpdateMessages      UpdateKind = "messages"
	UpdateDirectory     UpdateKind = "directory"
	UpdateFeedError     UpdateKind = "feed_error"
)

// Update notifies a UI that something should be re-read.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	UserID         string
	Err            error
}

// Options configures a Session.
type Options struct {
	ReconcileWindow time.Duration
	SendTimeout     time.Duration
	SendRetries     int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Session ties the services together for one user.
type Session struct {
	identity Identity
	backend  Backend
	logger   *slog.Logger

	dir      *directory.Directory
	messages *messages.Store
	subs     *subscription.Manager
	registry *registry.Registry
	presence *presence.Tracker
	sender   *send.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	updates chan Update

	mu     sync.Mutex
	closed bool
}

// New builds a session. uploader may be nil when attachments are not used.
func New(identity Identity, backend Backend, uploader upload.Uploader, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userID := identity.CurrentUserID()
	logger = logger.With("session_user", userID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity: identity,
		backend:  backend,
		logger:   logger.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan Update, updateBuffer),
	}

	s.dir = directory.New(backend, logger)
	s.dir.OnChange(func(id string) {
		s.notify(Update{Kind: UpdateDirectory, UserID: id})
	})

	s.messages = messages.New(messages.Options{
		ReconcileWindow: opts.ReconcileWindow,
		Metrics:         opts.Metrics,
		Logger:          logger,
	})
	s.messages.OnChange(func(convID string) {
		s.notify(Update{Kind: UpdateMessages, ConversationID: convID})
	})

	s.subs = subscription.New(backend, subscription.Handlers{
		Conversations: func(snap feed.Snapshot) { s.registry.HandleSnapshot(snap) },
		Messages: func(convID string, snap feed.Snapshot) {
			s.messages.ApplySnapshot(convID, snap.Messages)
		},
		FeedEnded: func(q feed.Query, err error) {
			s.notify(Update{Kind: UpdateFeedError, ConversationID: q.ConversationID, Err: err})
		},
	}, logger)

	s.registry = registry.New(userID, s.subs, s.dir, logger)
	s.registry.OnChange(func(registry.Diff) {
		s.watchParticipants()
		s.notify(Update{Kind: UpdateConversations})
	})

	s.presence = presence.New(userID, backend, backend, s.dir, presence.Options{Logger: logger})

	if uploader == nil {
		uploader = noUploads{}
	}
	s.sender = send.New(userID, backend, upload.NewPipeline(uploader, opts.Metrics, logger), s.messages, s.registry, send.Options{
		Timeout: opts.SendTimeout,
		Retries: opts.SendRetries,
		Logger:  logger,
	})
	return s
}

// UserID returns the signed-in user's id.
func (s *Session) UserID() string { return s.identity.CurrentUserID() }

// Start loads the conversation list and announces the user online.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	if err := s.presence.Start(ctx); err != nil {
		return fmt.Errorf("starting presence: %w", err)
	}
	s.logger.Info("session started")
	return nil
}

// Open starts or reopens the conversation with peerID and selects it.
func (s *Session) Open(ctx context.Context, peerID string) (*store.Conversation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	conv, err := s.backend.GetOrCreateConversation(ctx, s.UserID(), peerID)
	if err != nil {
		return nil, err
	}
	s.registry.Track(ctx, conv)
	if err := s.registry.Select(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// Select makes id the active conversation.
func (s *Session) Select(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.registry.Select(ctx, id)
}

// Active returns the active conversation id.
func (s *Session) Active() string { return s.registry.Active() }

// Send sends comp to the active conversation.
func (s *Session) Send(ctx context.Context, comp send.Composition) (*store.Message, error) {
	active := s.registry.Active()
	if active == "" {
		return nil, ErrNoActiveConversation
	}
	return s.SendTo(ctx, active, comp)
}

// SendTo sends comp to a specific conversation.
func (s *Session) SendTo(ctx context.Context, conversationID string, comp send.Composition) (*store.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.sender.Send(ctx, conversationID, comp)
}

// SetStatus switches the user between online and busy.
func (s *Session) SetStatus(ctx context.Context, status store.Status) error {
	return s.presence.SetStatus(ctx, status)
}

// Status returns the user's own status.
func (s *Session) Status() store.Status { return s.presence.Status() }

// Messages returns the active conversation's log.
func (s *Session) Messages() []*store.Message {
	active := s.registry.Active()
	if active == "" {
		return nil
	}
	return s.messages.List(active)
}

// MessagesFor returns a conversation's log.
func (s *Session) MessagesFor(conversationID string) []*store.Message {
	return s.messages.List(conversationID)
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []*store.Conversation { return s.registry.Conversations() }

// Profile returns a cached participant profile.
func (s *Session) Profile(userID string) (store.Profile, bool) {
	if userID == s.UserID() {
		return s.identity.CurrentUserProfile(), true
	}
	return s.dir.Get(userID)
}

// Stats reports open feeds.
func (s *Session) Stats() subscription.Stats { return s.subs.Stats() }

// Updates delivers change notifications. Notifications are dropped when
// the buffer is full, so consumers should re-read state on each one.
func (s *Session) Updates() <-chan Update { return s.updates }

// Close announces the user offline, best effort, and ends every feed.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.presence.Stop(ctx)
	s.subs.Close()
	s.cancel()
	s.logger.Info("session closed")
}

// watchParticipants follows presence for every peer in the list.
func (s *Session) watchParticipants() {
	self := s.UserID()
	seen := make(map[string]bool)
	var peers []string
	for _, c := range s.registry.Conversations() {
		peer := c.Peer(self)
		if peer != "" && !seen[peer] {
			seen[peer] = true
			peers = append(peers, peer)
		}
	}
	if len(peers) == 0 || s.isClosed() {
		return
	}
	if err := s.presence.Watch(s.ctx, peers); err != nil {
		s.logger.Warn("watching participant presence", "error", err)
	}
}

func (s *Session) notify(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// noUploads rejects attachments when no upload service is configured.
type noUploads struct{}

func (noUploads) Upload(ctx context.Context, f upload.File) (string, error) {
	return "", errors.New("uploads are not configured")
}
