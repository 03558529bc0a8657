package chatclient

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/models"
)

// Notifier is the sound/desktop-notification side effect. Implemented
// by the embedding application; nil disables notifications entirely.
type Notifier interface {
	Notify(threadID uuid.UUID, msg models.Message)
}

// Tracker is the per-thread unread state machine for the viewing user.
//
// Per thread: read (count 0) or unread(n). Transitions:
//   - +1 on an inbound message for a thread that is not focused and
//     whose sender is not the viewer;
//   - reset to 0 on explicit mark-as-read (a deliberate user action,
//     never automatic on event arrival).
//
// The total is always sum(per-thread); it has no storage of its own
// and therefore cannot drift. Server unread_update frames are applied
// as cache refreshes of the per-thread map, not as a second authority.
type Tracker struct {
	mu     sync.Mutex
	logger *zap.Logger

	viewerID uuid.UUID
	counts   map[uuid.UUID]int64

	focused       uuid.UUID
	windowFocused bool

	prefs    *Prefs
	notifier Notifier
}

func NewTracker(viewerID uuid.UUID, prefs *Prefs, notifier Notifier, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:        logger,
		viewerID:      viewerID,
		counts:        make(map[uuid.UUID]int64),
		windowFocused: true,
		prefs:         prefs,
		notifier:      notifier,
	}
}

// SetFocused records which thread the user is looking at. uuid.Nil
// means none.
func (t *Tracker) SetFocused(threadID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focused = threadID
}

// SetWindowFocused records application window focus, which gates
// notifications for the focused thread.
func (t *Tracker) SetWindowFocused(focused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windowFocused = focused
}

// HandleInbound processes one freshly-arrived message (AppliedNew only
// — duplicates, replacements and history never reach here, which is
// what makes the notification at-most-once per qualifying event).
func (t *Tracker) HandleInbound(msg models.Message) {
	if msg.SenderID == t.viewerID {
		return
	}

	t.mu.Lock()
	focusedElsewhere := t.focused != msg.ThreadID
	if focusedElsewhere {
		t.counts[msg.ThreadID]++
	}
	shouldNotify := (focusedElsewhere || !t.windowFocused) &&
		t.notifier != nil &&
		t.prefs.SoundEnabled()
	t.mu.Unlock()

	if shouldNotify {
		t.notifier.Notify(msg.ThreadID, msg)
	}
}

// MarkRead zeroes the thread's count, returning how much the total
// dropped by.
func (t *Tracker) MarkRead(threadID uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[threadID]
	delete(t.counts, threadID)
	return n
}

// Refresh applies a server unread_update as a cache refresh. The
// per-thread map wins wholesale; a frame carrying only a total is not
// a second source of truth and is ignored beyond a debug log.
//
// The focused thread is exempt: the server counts every recipient
// regardless of focus, but a thread the user is looking at can only
// move to unread by them navigating away. A stale server count for it
// is discarded, never resurrected.
func (t *Tracker) Refresh(perThread map[string]int64, total int64) {
	if perThread == nil {
		t.logger.Debug("unread_update without per-thread map ignored",
			zap.Int64("total", total),
		)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts = make(map[uuid.UUID]int64, len(perThread))
	var sum int64
	for key, n := range perThread {
		id, err := uuid.Parse(key)
		if err != nil || n <= 0 {
			continue
		}
		sum += n
		if id == t.focused {
			continue
		}
		t.counts[id] = n
	}
	if total != sum {
		t.logger.Debug("server unread total drifts from per-thread sum",
			zap.Int64("server_total", total),
			zap.Int64("sum", sum),
		)
	}
}

// Count returns one thread's unread count.
func (t *Tracker) Count(threadID uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[threadID]
}

// Total returns the global unread count — always computed as the sum
// of per-thread counts.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, n := range t.counts {
		sum += n
	}
	return sum
}
