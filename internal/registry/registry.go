// ABOUTME: Conversation registry: applies conversation-list snapshots, diffs them and drives selection
// ABOUTME: Resolves unseen participants into the directory, with placeholders on failure

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/directory"
	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/store"
)

// ErrUnknownConversation is returned when selecting an id not in the list.
var ErrUnknownConversation = errors.New("unknown conversation")

// resolveTimeout bounds profile resolution and auto-selection per snapshot.
const resolveTimeout = 10 * time.Second

// Feeds is the part of the subscription manager the registry drives.
type Feeds interface {
	SubscribeConversations(ctx context.Context, userID string) error
	SetActiveConversation(ctx context.Context, id string) error
}

// Diff describes how a snapshot changed the list, by conversation id.
type Diff struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether the snapshot changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Registry is the session's view of its conversations.
type Registry struct {
	userID string
	feeds  Feeds
	dir    *directory.Directory
	logger *slog.Logger

	// selectMu serializes selection so the registry and the feeds agree on
	// the active conversation.
	selectMu sync.Mutex

	mu            sync.RWMutex
	convs         []*store.Conversation
	byID          map[string]*store.Conversation
	active        string
	autoAttempted bool
	onChange      func(Diff)
}

// New creates a registry for userID. Pass nil logger for default.
func New(userID string, feeds Feeds, dir *directory.Directory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		userID: userID,
		feeds:  feeds,
		dir:    dir,
		logger: logger.With("component", "registry", "user_id", userID),
		byID:   make(map[string]*store.Conversation),
	}
}

// OnChange registers a callback run after each applied snapshot. Must be set
// before Load.
func (r *Registry) OnChange(fn func(Diff)) {
	r.onChange = fn
}

// Load subscribes to the user's conversation-list feed.
func (r *Registry) Load(ctx context.Context) error {
	return r.feeds.SubscribeConversations(ctx, r.userID)
}

// HandleSnapshot applies a full conversation list. It is the conversation
// handler of the subscription manager.
func (r *Registry) HandleSnapshot(snap feed.Snapshot) Diff {
	convs := make([]*store.Conversation, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		cp := *c
		convs = append(convs, &cp)
	}
	store.SortConversations(convs)

	r.mu.Lock()
	diff := diffLists(r.byID, convs)
	r.convs = convs
	r.byID = make(map[string]*store.Conversation, len(convs))
	for _, c := range convs {
		r.byID[c.ID] = c
	}
	autoSelect := ""
	if r.active == "" && !r.autoAttempted && len(convs) > 0 {
		autoSelect = convs[0].ID
		r.autoAttempted = true
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	r.resolveParticipants(ctx, convs)

	if autoSelect != "" {
		r.autoSelect(ctx, autoSelect)
	}

	if !diff.Empty() {
		r.logger.Debug("conversation list changed",
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"updated", len(diff.Updated))
	}
	if r.onChange != nil {
		r.onChange(diff)
	}
	return diff
}

// resolveParticipants caches every participant the directory has not seen.
func (r *Registry) resolveParticipants(ctx context.Context, convs []*store.Conversation) {
	var ids []string
	for _, c := range convs {
		for _, id := range c.Participants {
			if !r.dir.Has(id) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	// Failures are logged by the directory and replaced with placeholders.
	r.dir.Ensure(ctx, ids...)
}

// Track adds a conversation the feed has not delivered yet, such as one the
// user just opened. The next snapshot supersedes it.
func (r *Registry) Track(ctx context.Context, c *store.Conversation) {
	r.mu.Lock()
	if _, ok := r.byID[c.ID]; ok {
		r.mu.Unlock()
		return
	}
	cp := *c
	r.byID[cp.ID] = &cp
	r.convs = append(r.convs, &cp)
	store.SortConversations(r.convs)
	r.mu.Unlock()

	r.resolveParticipants(ctx, []*store.Conversation{&cp})
}

// Select makes id the active conversation.
func (r *Registry) Select(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConversation
	}
	return r.selectConversation(ctx, id)
}

// autoSelect picks id unless a conversation was selected while the snapshot
// was being applied.
func (r *Registry) autoSelect(ctx context.Context, id string) {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	if current := r.Active(); current != "" {
		r.logger.Debug("skipping auto-select, conversation already active", "conversation_id", id, "active", current)
		return
	}
	if err := r.setActiveLocked(ctx, id); err != nil {
		r.logger.Warn("auto-selecting conversation failed", "conversation_id", id, "error", err)
		return
	}
	r.logger.Debug("auto-selected most recent conversation", "conversation_id", id)
}

func (r *Registry) selectConversation(ctx context.Context, id string) error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()
	return r.setActiveLocked(ctx, id)
}

// setActiveLocked switches the feeds and records id. selectMu must be held.
func (r *Registry) setActiveLocked(ctx context.Context, id string) error {
	if err := r.feeds.SetActiveConversation(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = id
	r.mu.Unlock()
	return nil
}

// Conversations returns the list, most recent first.
func (r *Registry) Conversations() []*store.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.Conversation, len(r.convs))
	for i, c := range r.convs {
		cp := *c
		out[i] = &cp
	}
	return out
}

// Conversation returns one conversation by id.
func (r *Registry) Conversation(id string) (*store.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Active returns the selected conversation id, or "".
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func diffLists(prev map[string]*store.Conversation, next []*store.Conversation) Diff {
	var d Diff
	seen := make(map[string]bool, len(next))
	for _, c := range next {
		seen[c.ID] = true
		old, ok := prev[c.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, c.ID)
		case changed(old, c):
			d.Updated = append(d.Updated, c.ID)
		}
	}
	for id := range prev {
		if !seen[id] {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

func changed(a, b *store.Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return true
	}
	if (a.LastMessage == nil) != (b.LastMessage == nil) {
		return true
	}
	if a.LastMessage == nil {
		return false
	}
	return a.LastMessage.SenderID != b.LastMessage.SenderID ||
		a.LastMessage.Preview != b.LastMessage.Preview ||
		!a.LastMessage.Timestamp.Equal(b.LastMessage.Timestamp)
}
