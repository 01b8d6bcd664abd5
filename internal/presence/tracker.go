// ABOUTME: Presence tracker: own-status state machine plus a presence feed watcher for participants
// ABOUTME: Status changes are published in call order so rapid toggles settle on the last requested state

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/directory"
	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultStopTimeout bounds the offline broadcast on Stop.
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrNotStarted is returned by SetStatus before Start.
	ErrNotStarted = errors.New("presence tracker not started")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("presence tracker stopped")

	// ErrInvalidStatus is returned for statuses a user cannot choose.
	ErrInvalidStatus = errors.New("status must be online or busy")
)

// Publisher broadcasts a user's status.
type Publisher interface {
	PublishPresence(ctx context.Context, userID string, status store.Status) error
}

// Options configures a Tracker.
type Options struct {
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Tracker owns one user's presence for a session.
type Tracker struct {
	userID      string
	publisher   Publisher
	transport   feed.Transport
	dir         *directory.Directory
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex // held across publishes to keep them ordered
	status  store.Status
	started bool
	stopped bool

	watchMu  sync.Mutex
	watchSub *feed.Subscription
	watchIDs []string
	wg       sync.WaitGroup
}

// New creates a tracker. transport and dir are only needed for Watch.
func New(userID string, publisher Publisher, transport feed.Transport, dir *directory.Directory, opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Tracker{
		userID:      userID,
		publisher:   publisher,
		transport:   transport,
		dir:         dir,
		stopTimeout: opts.StopTimeout,
		logger:      logger.With("component", "presence", "user_id", userID),
		status:      store.StatusOffline,
	}
}

// Status returns the user's current status.
func (t *Tracker) Status() store.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start announces the user online. It runs once per session; later calls
// are no-ops.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if t.started {
		return nil
	}
	if err := t.publisher.PublishPresence(ctx, t.userID, store.StatusOnline); err != nil {
		return fmt.Errorf("announcing online: %w", err)
	}
	t.started = true
	t.status = store.StatusOnline
	t.logger.Debug("presence started")
	return nil
}

// SetStatus switches between online and busy. A failed publish leaves the
// status unchanged.
func (t *Tracker) SetStatus(ctx context.Context, status store.Status) error {
	if status != store.StatusOnline && status != store.StatusBusy {
		return ErrInvalidStatus
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if !t.started {
		return ErrNotStarted
	}
	if t.status == status {
		return nil
	}
	if err := t.publisher.PublishPresence(ctx, t.userID, status); err != nil {
		return fmt.Errorf("publishing status %s: %w", status, err)
	}
	t.logger.Debug("status changed", "from", t.status, "to", status)
	t.status = status
	return nil
}

// Stop announces the user offline, bounded by the stop timeout, and ends
// the participant watch. A failed broadcast is logged, not returned.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		if t.started {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.stopTimeout)
			if err := t.publisher.PublishPresence(stopCtx, t.userID, store.StatusOffline); err != nil {
				t.logger.Warn("offline broadcast failed", "error", err)
			}
			cancel()
		}
		t.status = store.StatusOffline
	}
	t.mu.Unlock()

	t.watchMu.Lock()
	if t.watchSub != nil {
		t.watchSub.Unsubscribe()
		t.watchSub = nil
	}
	t.watchMu.Unlock()
	t.wg.Wait()
}

// Watch follows the presence of userIDs and applies changes to the
// directory. Calling it again replaces the previous watch; an unchanged id
// set is a no-op.
func (t *Tracker) Watch(ctx context.Context, userIDs []string) error {
	if t.transport == nil || t.dir == nil {
		return errors.New("presence watch needs a transport and directory")
	}

	t.watchMu.Lock()
	defer t.watchMu.Unlock()

	if t.watchSub != nil && sameIDs(t.watchIDs, userIDs) {
		return nil
	}
	if len(userIDs) == 0 {
		return nil
	}

	sub, err := t.transport.Subscribe(ctx, feed.PresenceQuery(userIDs...))
	if err != nil {
		return fmt.Errorf("watching presence: %w", err)
	}
	if t.watchSub != nil {
		t.watchSub.Unsubscribe()
	}
	t.watchSub = sub
	t.watchIDs = append([]string(nil), userIDs...)

	t.wg.Add(1)
	go t.apply(sub)
	return nil
}

func (t *Tracker) apply(sub *feed.Subscription) {
	defer t.wg.Done()

	for snap := range sub.Events() {
		for _, p := range snap.Presence {
			t.dir.SetStatus(p.UserID, p.Status, p.LastSeen)
		}
	}
	if err := sub.Err(); err != nil {
		t.logger.Warn("presence watch ended", "sub_id", sub.ID(), "error", err)
	}

	// Let the next Watch call reopen the feed.
	t.watchMu.Lock()
	if t.watchSub == sub {
		t.watchSub = nil
	}
	t.watchMu.Unlock()
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
