// Package events defines the wire frames exchanged over the push
// channel. Both the server hub and the client core speak exactly this
// taxonomy; there is no other frame format.
package events

import (
	"github.com/google/uuid"

	"github.com/kavinraj-m/opschat/internal/models"
)

// Frame types delivered server -> client.
const (
	// TypeConnected is the liveness signal, sent once per (re)connect.
	TypeConnected = "connected"

	// TypeNewMessage carries one server-confirmed message. The channel
	// provides at-most-once delivery per event occurrence; the client's
	// reconciliation layer owns correctness under re-delivery or missed
	// delivery.
	TypeNewMessage = "new_message"

	// TypeTyping signals a peer's typing state for one thread. Lossy by
	// design — a dropped frame is tolerable, a stuck "is typing" is not,
	// so senders always emit the trailing typing=false.
	TypeTyping = "typing"

	// TypeUnreadUpdate is a cache refresh of the viewer's unread
	// counters. It is never an independent source of truth: the
	// per-thread map is authoritative, the total is derived.
	TypeUnreadUpdate = "unread_update"
)

// Frame types sent client -> server.
const (
	// TypeJoin / TypeLeave scope which thread's room-level events
	// (typing) the session cares about. Session-scoped events
	// (new_message, unread_update) are unaffected.
	TypeJoin  = "join"
	TypeLeave = "leave"

	// TypeSend is the channel-path send primitive: {thread_id, body,
	// client_msg_id}. The HTTP POST is the fallback for the same
	// logical operation; both converge on the same server handler and
	// the same idempotency key.
	TypeSend = "send"
)

// Frame is the single envelope for every event on the channel. Only the
// fields relevant to Type are populated; the rest stay at their zero
// value. The uuid fields serialize as the nil UUID when unused —
// omitempty never fires on a [16]byte array, so the tag would only
// mislead.
type Frame struct {
	Type string `json:"type"`

	// new_message
	Message *models.Message `json:"message,omitempty"`

	// typing / join / leave / send
	ThreadID uuid.UUID `json:"thread_id"`
	UserID   uuid.UUID `json:"user_id"`
	IsTyping bool      `json:"is_typing,omitempty"`

	// send
	Body        string `json:"body,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`

	// unread_update; PerThread is keyed by thread UUID string.
	TotalUnread int64            `json:"total_unread,omitempty"`
	PerThread   map[string]int64 `json:"per_thread,omitempty"`
}

// NewMessage builds a new_message frame.
func NewMessage(msg *models.Message) Frame {
	return Frame{Type: TypeNewMessage, Message: msg}
}

// Typing builds a typing frame.
func Typing(threadID, userID uuid.UUID, isTyping bool) Frame {
	return Frame{Type: TypeTyping, ThreadID: threadID, UserID: userID, IsTyping: isTyping}
}

// UnreadUpdate builds an unread_update frame from a counter snapshot.
func UnreadUpdate(perThread map[string]int64, total int64) Frame {
	return Frame{Type: TypeUnreadUpdate, PerThread: perThread, TotalUnread: total}
}

// Connected builds the liveness frame.
func Connected() Frame {
	return Frame{Type: TypeConnected}
}
