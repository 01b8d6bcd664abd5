// ABOUTME: In-memory message logs with optimistic insert and confirmed-event reconciliation
// ABOUTME: All mutations are serialized so events apply in receive order

package messages

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultReconcileWindow bounds how old a pending entry may be for the
// signature fallback to match it.
const DefaultReconcileWindow = 30 * time.Second

// LocalIDPrefix marks temporary ids of pending entries.
const LocalIDPrefix = "local-"

// Outcome describes what IngestConfirmed did with a message.
type Outcome int

const (
	// Inserted means the message was new to the log.
	Inserted Outcome = iota
	// Reconciled means the message replaced a pending entry.
	Reconciled
	// Updated means an already-confirmed entry was refreshed.
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Reconciled:
		return "reconciled"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// Options configures a Store.
type Options struct {
	ReconcileWindow time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Store keeps one sorted log per conversation.
type Store struct {
	mu       sync.Mutex
	logs     map[string][]*store.Message
	window   time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onChange func(conversationID string)
}

// New creates an empty message store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		logs:    make(map[string][]*store.Message),
		window:  opts.ReconcileWindow,
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  logger.With("component", "message_store"),
	}
}

// OnChange registers a callback run after every mutation that changed a log,
// once per call. Must be set before the store is shared.
func (s *Store) OnChange(fn func(conversationID string)) {
	s.onChange = fn
}

func (s *Store) notify(conversationID string) {
	if s.onChange != nil {
		s.onChange(conversationID)
	}
}

// InsertOptimistic adds draft as a pending entry and returns a copy of what
// was stored. A local id, correlation id and timestamp are filled in when
// missing.
func (s *Store) InsertOptimistic(conversationID string, draft *store.Message) *store.Message {
	msg := draft.Clone()
	msg.ConversationID = conversationID
	msg.Pending = true
	if msg.ID == "" {
		msg.ID = LocalIDPrefix + uuid.New().String()
	}
	if msg.ClientID == "" {
		msg.ClientID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.insertLocked(conversationID, msg)
	s.mu.Unlock()

	s.logger.Debug("optimistic insert",
		"conversation_id", conversationID,
		"local_id", msg.ID,
		"client_id", msg.ClientID)
	s.notify(conversationID)
	return msg.Clone()
}

// IngestConfirmed applies one server-confirmed message.
func (s *Store) IngestConfirmed(conversationID string, msg *store.Message) Outcome {
	s.mu.Lock()
	outcome := s.ingestLocked(conversationID, msg)
	s.mu.Unlock()

	s.notify(conversationID)
	return outcome
}

// ApplySnapshot ingests a batch of confirmed messages under one lock and
// notifies once.
func (s *Store) ApplySnapshot(conversationID string, msgs []*store.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	for _, m := range msgs {
		s.ingestLocked(conversationID, m)
	}
	s.mu.Unlock()

	s.notify(conversationID)
}

func (s *Store) ingestLocked(conversationID string, in *store.Message) Outcome {
	msg := in.Clone()
	msg.ConversationID = conversationID
	msg.Pending = false
	log := s.logs[conversationID]

	// Known confirmed id, or a redelivery under the same correlation id
	for i, existing := range log {
		if existing.Pending {
			continue
		}
		if existing.ID == msg.ID || (msg.ClientID != "" && existing.ClientID == msg.ClientID) {
			s.replaceLocked(conversationID, i, msg)
			return Updated
		}
	}

	if i := s.matchPendingLocked(log, msg); i >= 0 {
		pending := log[i]
		s.replaceLocked(conversationID, i, msg)

		mode := "client_id"
		if msg.ClientID == "" {
			mode = "heuristic"
		}
		s.metrics.Reconciled(mode)
		s.logger.Debug("reconciled pending message",
			"conversation_id", conversationID,
			"local_id", pending.ID,
			"message_id", msg.ID,
			"mode", mode)
		return Reconciled
	}

	s.insertLocked(conversationID, msg)
	return Inserted
}

// matchPendingLocked finds the pending entry a confirmed message stands for,
// or -1.
func (s *Store) matchPendingLocked(log []*store.Message, msg *store.Message) int {
	if msg.ClientID != "" {
		for i, p := range log {
			if p.Pending && p.ClientID == msg.ClientID {
				return i
			}
		}
		return -1
	}

	cutoff := s.now().Add(-s.window)
	sig := msg.Signature()
	for i, p := range log {
		if !p.Pending || p.SenderID != msg.SenderID {
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		if p.Signature() == sig {
			return i
		}
	}
	return -1
}

// replaceLocked swaps the entry at i for msg and restores sort order.
func (s *Store) replaceLocked(conversationID string, i int, msg *store.Message) {
	log := s.logs[conversationID]
	log[i] = msg
	store.SortMessages(log)
}

func (s *Store) insertLocked(conversationID string, msg *store.Message) {
	log := s.logs[conversationID]
	i := sort.Search(len(log), func(i int) bool { return store.Less(msg, log[i]) })
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = msg
	s.logs[conversationID] = log
}

// EvictPending removes a pending entry by its local id. Confirmed entries are
// never evicted.
func (s *Store) EvictPending(conversationID, localID string) bool {
	s.mu.Lock()
	log := s.logs[conversationID]
	removed := false
	for i, m := range log {
		if m.Pending && m.ID == localID {
			s.logs[conversationID] = append(log[:i], log[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.logger.Debug("evicted pending message", "conversation_id", conversationID, "local_id", localID)
		s.notify(conversationID)
	}
	return removed
}

// List returns a copy of the conversation's log in display order.
func (s *Store) List(conversationID string) []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	out := make([]*store.Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the conversation's entries still awaiting confirmation.
func (s *Store) Pending(conversationID string) []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Message
	for _, m := range s.logs[conversationID] {
		if m.Pending {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Reset drops every log.
func (s *Store) Reset() {
	s.mu.Lock()
	s.logs = make(map[string][]*store.Message)
	s.mu.Unlock()
}
