// Package hub maintains the live push-channel sessions and fans events
// out to them. Delivery is at-most-once per event occurrence: a slow
// session drops frames and the client recovers over HTTP. Correctness
// under re-delivery and missed delivery belongs to the client's
// reconciliation layer, not here.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/events"
)

// eventsChannel is the Redis pub/sub channel every node subscribes to.
// Publishing there instead of delivering locally means a recipient's
// session on another node still gets the frame.
const eventsChannel = "opschat:events"

// envelope is what travels over Redis: the frame plus its addressing.
// Exactly one of UserIDs / ThreadID is set; the unused uuid field rides
// along as the nil UUID (omitempty can't elide an array type).
type envelope struct {
	UserIDs  []uuid.UUID  `json:"user_ids,omitempty"`
	ThreadID uuid.UUID    `json:"thread_id"`
	Exclude  uuid.UUID    `json:"exclude"`
	Frame    events.Frame `json:"frame"`
}

// Hub is the per-process session registry.
//
// With a nil Redis client the hub degrades to local-only delivery —
// correct on a single node, and what the tests use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Session]struct{} // userID -> live sessions

	rdb    *redis.Client
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Session]struct{}),
		rdb:      rdb,
		logger:   logger,
	}
}

// Run subscribes to the cross-node event channel and dispatches
// incoming envelopes to local sessions until ctx is cancelled. No-op
// without Redis.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		return
	}

	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("malformed hub envelope", zap.Error(err))
				continue
			}
			h.deliverLocal(env)
		}
	}
}

// Register adds a session for the user and starts its write pump.
func (h *Hub) Register(userID uuid.UUID, conn Conn) *Session {
	s := newSession(userID, conn, h.logger)

	h.mu.Lock()
	set, ok := h.sessions[userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	go s.writePump()
	return s
}

// Unregister removes the session and closes its connection. Safe to
// call more than once for the same session.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.sessions[s.UserID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.send)
		}
		if len(set) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	h.mu.Unlock()

	s.close()
}

// Join scopes the session into a thread's room. Room scoping affects
// typing frames only; session-scoped frames (new_message,
// unread_update) are delivered regardless.
func (h *Hub) Join(s *Session, threadID uuid.UUID) { s.join(threadID) }

// Leave removes the session from a thread's room.
func (h *Hub) Leave(s *Session, threadID uuid.UUID) { s.leave(threadID) }

// Online reports whether the user has at least one live session on this
// node. Used for DELIVERED receipts; cross-node presence is
// intentionally not consulted — an undercounted DELIVERED is corrected
// by the later READ.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// ToUsers delivers a frame to every session of each listed user.
func (h *Hub) ToUsers(frame events.Frame, userIDs ...uuid.UUID) {
	h.dispatch(envelope{UserIDs: userIDs, Frame: frame})
}

// ToRoom delivers a frame to every session currently joined to the
// thread's room, excluding the originating user's sessions.
func (h *Hub) ToRoom(threadID uuid.UUID, exclude uuid.UUID, frame events.Frame) {
	h.dispatch(envelope{ThreadID: threadID, Exclude: exclude, Frame: frame})
}

func (h *Hub) dispatch(env envelope) {
	if h.rdb == nil {
		h.deliverLocal(env)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal hub envelope", zap.Error(err))
		return
	}
	if err := h.rdb.Publish(context.Background(), eventsChannel, data).Err(); err != nil {
		// Redis down: deliver to local sessions anyway so a single-node
		// deployment keeps working.
		h.logger.Warn("publish failed, delivering locally", zap.Error(err))
		h.deliverLocal(env)
	}
}

func (h *Hub) deliverLocal(env envelope) {
	data, err := json.Marshal(env.Frame)
	if err != nil {
		h.logger.Error("marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, 4)
	if len(env.UserIDs) > 0 {
		for _, userID := range env.UserIDs {
			for s := range h.sessions[userID] {
				targets = append(targets, s)
			}
		}
	} else {
		for _, set := range h.sessions {
			for s := range set {
				if s.UserID == env.Exclude {
					continue
				}
				if s.inRoom(env.ThreadID) {
					targets = append(targets, s)
				}
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(data) {
			h.logger.Warn("dropping frame for slow session",
				zap.String("user", s.UserID.String()),
				zap.String("type", env.Frame.Type),
			)
		}
	}
}
