package models

import (
	"time"

	"github.com/google/uuid"
)

// Org is the isolation boundary: one agency, its people, its chat.
// Every user and thread belongs to exactly one org.
type Org struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a person within an org.
//
// PasswordHash is never serialized — the `json:"-"` tag keeps it out of
// every API response, so handlers can return a User directly.
type User struct {
	ID           uuid.UUID `json:"id"`
	OrgID        uuid.UUID `json:"org_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ThreadType distinguishes the two thread shapes the app has.
type ThreadType string

const (
	// ThreadTeam is the org-wide thread. Exactly one exists per org,
	// created at org bootstrap. Every org member participates.
	ThreadTeam ThreadType = "TEAM"

	// ThreadDirect is a one-to-one thread, uniquely keyed by the
	// unordered pair of participant IDs. Created on first message
	// initiation, never deleted.
	ThreadDirect ThreadType = "DIRECT"
)

// Thread is a conversation container.
//
// PairKey is only set for DIRECT threads: the two participant UUIDs
// sorted lexicographically and joined with ':'. A unique index on
// (org_id, pair_key) makes "ensure direct thread" race-free — two
// clients opening the same DM concurrently land on the same row.
type Thread struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	Type      ThreadType `json:"type"`
	PairKey   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

// ThreadSummary is what the thread list endpoint returns: the thread
// plus the denormalized bits the list view needs. UnreadCount is
// derived per viewing user and never stored on the thread itself.
type ThreadSummary struct {
	Thread
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int64    `json:"unread_count"`
}

// Message is a single chat message. Immutable once persisted — there is
// no update path in this subsystem.
//
// Why int64 for ID (not UUID)?
//   - Messages are the highest-volume table; bigserial is smaller and
//     naturally ordered — higher ID = newer message, which the cursor
//     pagination and the client-side ordering both lean on.
//   - The server is the sole authority for ID assignment. Clients that
//     need an identity before the round-trip completes use ClientMsgID.
//
// ClientMsgID is the client-generated correlation token. The server
// enforces exactly one persisted message per (sender, client_msg_id),
// which is what makes send retries safe: a retry reuses the token and
// the insert collapses onto the original row.
//
// Sender is denormalized onto fetched messages (the list query joins
// users); it is nil on bare inserts. A message whose sender cannot be
// resolved is invalid and is dropped at the rendering boundary, never
// rendered half-empty.
type Message struct {
	ID          int64     `json:"id"`
	ThreadID    uuid.UUID `json:"thread_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	Body        string    `json:"body"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Sender   *User     `json:"sender,omitempty"`
	Receipts []Receipt `json:"receipts,omitempty"`
}

// ReceiptStatus is the delivery state of a message for one user.
// It only ever advances: SENT -> DELIVERED -> READ. A later status
// supersedes an earlier one but never regresses — the upsert in the
// receipt store enforces the ordering.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "SENT"
	ReceiptDelivered ReceiptStatus = "DELIVERED"
	ReceiptRead      ReceiptStatus = "READ"
)

// Receipt records the delivery state of (message, user).
type Receipt struct {
	MessageID int64         `json:"message_id"`
	UserID    uuid.UUID     `json:"user_id"`
	Status    ReceiptStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DirectPairKey builds the canonical unordered-pair key for a DIRECT
// thread: both UUIDs in lexicographic order, ':'-joined.
func DirectPairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}
