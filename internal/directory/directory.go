// ABOUTME: Participant directory: per-session cache of profile snapshots keyed by user id
// ABOUTME: Populated lazily by the registry; only the presence tracker writes status

package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// Resolver looks up a participant's public profile.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (store.Profile, error)
}

// ProfileResolutionError records a failed lookup. It is never fatal: the
// directory stores a placeholder instead.
type ProfileResolutionError struct {
	UserID string
	Err    error
}

func (e *ProfileResolutionError) Error() string {
	return "resolving profile " + e.UserID + ": " + e.Err.Error()
}

func (e *ProfileResolutionError) Unwrap() error { return e.Err }

// Directory caches profile snapshots for the lifetime of a session.
// Entries are never removed.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]store.Profile
	resolver Resolver
	logger   *slog.Logger
	onChange func(userID string)
}

// New creates a directory backed by resolver. Pass nil logger for default.
func New(resolver Resolver, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		profiles: make(map[string]store.Profile),
		resolver: resolver,
		logger:   logger.With("component", "directory"),
	}
}

// OnChange registers a callback invoked after an entry is added or its
// status changes. Must be set before the directory is shared.
func (d *Directory) OnChange(fn func(userID string)) {
	d.onChange = fn
}

// Get returns the cached profile for userID.
func (d *Directory) Get(userID string) (store.Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	return p, ok
}

// Has reports whether userID is cached.
func (d *Directory) Has(userID string) bool {
	_, ok := d.Get(userID)
	return ok
}

// IDs returns every cached user id.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		ids = append(ids, id)
	}
	return ids
}

// Ensure resolves every id not yet cached. Failed lookups are cached as
// placeholders and returned as ProfileResolutionErrors for logging; they do
// not stop the remaining ids from resolving. It returns the ids newly added.
func (d *Directory) Ensure(ctx context.Context, ids ...string) ([]string, []error) {
	var added []string
	var errs []error
	for _, id := range ids {
		if id == "" || d.Has(id) {
			continue
		}
		p, err := d.resolver.Resolve(ctx, id)
		if err != nil {
			rerr := &ProfileResolutionError{UserID: id, Err: err}
			errs = append(errs, rerr)
			d.logger.Warn("profile resolution failed, using placeholder", "user_id", id, "error", err)
			p = Placeholder(id)
		}
		p.UserID = id
		if !p.Status.Valid() {
			p.Status = store.StatusOffline
		}
		if d.add(p) {
			added = append(added, id)
		}
	}
	return added, errs
}

// add stores p unless another goroutine cached id first.
func (d *Directory) add(p store.Profile) bool {
	d.mu.Lock()
	if _, exists := d.profiles[p.UserID]; exists {
		d.mu.Unlock()
		return false
	}
	d.profiles[p.UserID] = p
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(p.UserID)
	}
	return true
}

// SetStatus applies a presence update in place. Updates for users not in the
// directory are ignored. Last writer wins, except that an update older than
// the cached LastSeen does not move it backwards.
func (d *Directory) SetStatus(userID string, status store.Status, lastSeen time.Time) bool {
	d.mu.Lock()
	p, ok := d.profiles[userID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	p.Status = status
	if lastSeen.After(p.LastSeen) {
		p.LastSeen = lastSeen
	}
	d.profiles[userID] = p
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(userID)
	}
	return true
}

// Placeholder is the profile shown when resolution fails.
func Placeholder(userID string) store.Profile {
	return store.Profile{
		UserID:      userID,
		DisplayName: "Unknown user",
		Status:      store.StatusOffline,
		Placeholder: true,
	}
}
