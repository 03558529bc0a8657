package chatclient

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/models"
)

// Message status values for local (optimistic) entries. A confirmed
// message has an empty status.
const (
	StatusSending = "sending"
	StatusFailed  = "failed"
)

// Message is the client-side message shape: the server model plus the
// optimistic-state fields. LocalID is set only on entries this session
// created itself and never collides with server IDs (server IDs are
// int64, LocalID is a "local-" prefixed token).
type Message struct {
	models.Message

	LocalID string `json:"local_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Confirmed reports whether the entry carries a server identity.
func (m *Message) Confirmed() bool { return m.ID != 0 }

// Applied is the outcome of reconciling one server message; the caller
// decides side effects from it. Only AppliedNew may ring a
// notification — replacements are the viewer's own sends coming back,
// duplicates have already had their effects, invalid never renders.
type Applied int

const (
	AppliedNew Applied = iota
	AppliedReplaced
	AppliedDuplicate
	AppliedInvalid
)

// Store is the reconciled client-side state: per-thread timelines
// merged from the initial fetch, the push channel, and local
// optimistic placeholders, with each logical message appearing exactly
// once.
//
// Single logical owner: all mutation happens under one mutex, and
// every transition is one critical section — a renderer never observes
// a placeholder and its confirmation at the same time, or neither.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger

	timeline map[uuid.UUID][]*Message
	// seen marks server IDs already reconciled (including history
	// loads), so a reconnect replay is a no-op with no side effects.
	seen map[uuid.UUID]map[int64]struct{}
	// pending maps clientMsgID -> this session's placeholder awaiting
	// confirmation or failure.
	pending map[string]*Message

	listeners []func(threadID uuid.UUID)
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		timeline: make(map[uuid.UUID][]*Message),
		seen:     make(map[uuid.UUID]map[int64]struct{}),
		pending:  make(map[string]*Message),
	}
}

// OnChange registers a renderer callback, invoked (outside the lock)
// with the thread whose timeline changed.
func (s *Store) OnChange(fn func(threadID uuid.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(threadID uuid.UUID) {
	s.mu.Lock()
	listeners := make([]func(uuid.UUID), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(threadID)
	}
}

// LoadHistory merges a fetched page into the thread's timeline and
// marks the page processed — a later channel re-delivery of any of its
// rows is a duplicate, not a fresh arrival, so no notification fires
// for messages the user has already seen.
//
// Merge, never replace: entries already confirmed from the channel
// stay in the timeline even when the page doesn't contain them (a tail
// or gap page usually won't). Every ID in seen is rendered; a
// seen-but-not-rendered message cannot exist. This session's own
// unconfirmed placeholders survive at the tail.
func (s *Store) LoadHistory(threadID uuid.UUID, msgs []models.Message) {
	s.mu.Lock()

	var placeholders []*Message
	var entries []*Message
	confirmed := make(map[int64]*Message)
	for _, m := range s.timeline[threadID] {
		if m.Confirmed() {
			confirmed[m.ID] = m
			entries = append(entries, m)
		} else {
			placeholders = append(placeholders, m)
		}
	}

	ids := s.seen[threadID]
	if ids == nil {
		ids = make(map[int64]struct{})
		s.seen[threadID] = ids
	}
	for _, m := range msgs {
		if !validMessage(&m) {
			s.logger.Warn("dropping message with unresolvable sender",
				zap.Int64("id", m.ID),
			)
			continue
		}
		msg := m
		ids[msg.ID] = struct{}{}
		// A history row may confirm a placeholder from this session
		// (send succeeded but the echo was missed while offline).
		if p, ok := s.pending[msg.ClientMsgID]; ok && msg.ClientMsgID != "" {
			delete(s.pending, p.ClientMsgID)
			placeholders = removePlaceholder(placeholders, p)
		}
		if existing, ok := confirmed[msg.ID]; ok {
			existing.Message = msg
			continue
		}
		entry := &Message{Message: msg}
		confirmed[msg.ID] = entry
		entries = append(entries, entry)
	}
	sortByID(entries)
	s.timeline[threadID] = append(entries, placeholders...)
	s.mu.Unlock()

	s.notify(threadID)
}

// ApplyServer reconciles one server-confirmed message into the
// timeline and reports what happened.
//
// Identity rules, in priority order:
//  1. server ID already present -> no-op (channel re-delivery, or a
//     message the poll already fetched);
//  2. clientMsgID matches a pending placeholder -> the placeholder is
//     replaced in place, keeping its position in the timeline;
//  3. otherwise -> inserted in server-ID order among confirmed
//     entries, before any trailing placeholders.
//
// Keyed, never content-based: two sends with different clientMsgIDs
// are two legitimate messages no matter how alike their text.
func (s *Store) ApplyServer(msg models.Message) Applied {
	if !validMessage(&msg) {
		s.logger.Warn("dropping message with unresolvable sender",
			zap.Int64("id", msg.ID),
		)
		return AppliedInvalid
	}

	s.mu.Lock()

	ids := s.seen[msg.ThreadID]
	if ids == nil {
		ids = make(map[int64]struct{})
		s.seen[msg.ThreadID] = ids
	}
	if _, dup := ids[msg.ID]; dup {
		s.mu.Unlock()
		return AppliedDuplicate
	}
	ids[msg.ID] = struct{}{}

	if p, ok := s.pending[msg.ClientMsgID]; ok && msg.ClientMsgID != "" {
		// Atomic from the renderer's point of view: the entry mutates
		// in place under the lock, so no snapshot ever shows both the
		// placeholder and the confirmation, or neither.
		p.Message = msg
		p.Status = ""
		delete(s.pending, msg.ClientMsgID)
		s.mu.Unlock()
		s.notify(msg.ThreadID)
		return AppliedReplaced
	}

	entries := s.timeline[msg.ThreadID]
	entry := &Message{Message: msg}
	s.timeline[msg.ThreadID] = insertByID(entries, entry)
	s.mu.Unlock()

	s.notify(msg.ThreadID)
	return AppliedNew
}

// AddLocal appends this session's optimistic placeholder at the tail
// of the timeline ("now") and registers it for reconciliation.
func (s *Store) AddLocal(msg *Message) {
	s.mu.Lock()
	s.timeline[msg.ThreadID] = append(s.timeline[msg.ThreadID], msg)
	if msg.ClientMsgID != "" {
		s.pending[msg.ClientMsgID] = msg
	}
	s.mu.Unlock()

	s.notify(msg.ThreadID)
}

// MarkSending flips a failed placeholder back to sending for a retry.
// Returns false if the clientMsgID is no longer pending (already
// confirmed — nothing to retry).
func (s *Store) MarkSending(clientMsgID string) bool {
	s.mu.Lock()
	p, ok := s.pending[clientMsgID]
	if ok {
		p.Status = StatusSending
	}
	s.mu.Unlock()

	if ok {
		s.notify(p.ThreadID)
	}
	return ok
}

// MarkFailed transitions a still-pending placeholder to failed. The
// entry stays visible — a failed send is never silently dropped; the
// UI shows a retry affordance on it. Returns false when the message
// was confirmed in the meantime (a late echo won the race).
func (s *Store) MarkFailed(clientMsgID string) bool {
	s.mu.Lock()
	p, ok := s.pending[clientMsgID]
	if ok {
		p.Status = StatusFailed
	}
	s.mu.Unlock()

	if ok {
		s.notify(p.ThreadID)
	}
	return ok
}

// Pending returns the placeholder registered for clientMsgID, if any.
func (s *Store) Pending(clientMsgID string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	return p, ok
}

// LastServerID returns the highest confirmed server ID in the thread's
// timeline, or 0 when none — the cursor for gap fetches after a
// reconnect.
func (s *Store) LastServerID(threadID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	for _, m := range s.timeline[threadID] {
		if m.Confirmed() && m.ID > last {
			last = m.ID
		}
	}
	return last
}

// Messages returns a snapshot of the thread's timeline in render order.
func (s *Store) Messages(threadID uuid.UUID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.timeline[threadID]
	out := make([]Message, len(entries))
	for i, m := range entries {
		out[i] = *m
	}
	return out
}

// validMessage is the defensive filter at the reconciliation boundary:
// a message without a resolvable sender is excluded from render, never
// allowed to blank the timeline.
func validMessage(m *models.Message) bool {
	return m.Sender != nil && m.Sender.ID != uuid.Nil
}

func sortByID(entries []*Message) {
	// Insertion sort; pages arrive nearly sorted already.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].ID > entries[j].ID; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// insertByID places a confirmed entry in server-ID order among the
// confirmed prefix, before any trailing placeholders. Out-of-arrival-
// order delivery (fallback-vs-channel races) still renders in ID order.
func insertByID(entries []*Message, entry *Message) []*Message {
	pos := len(entries)
	for pos > 0 {
		prev := entries[pos-1]
		if prev.Confirmed() && prev.ID <= entry.ID {
			break
		}
		pos--
	}

	entries = append(entries, nil)
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry
	return entries
}

func removePlaceholder(placeholders []*Message, p *Message) []*Message {
	for i, cand := range placeholders {
		if cand == p {
			return append(placeholders[:i], placeholders[i+1:]...)
		}
	}
	return placeholders
}
