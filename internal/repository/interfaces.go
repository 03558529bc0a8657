package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kavinraj-m/opschat/internal/models"
)

// Every method takes a context because every method does I/O: it
// carries the request deadline (a disconnected client cancels its own
// queries) and whatever tracing the caller propagates.
//
// orgID appears wherever a query could otherwise cross org boundaries.
// The handler extracts it from the JWT and passes it down; the
// repository never trusts the caller and always filters by org.

// OrgRepository handles org (workspace) rows.
type OrgRepository interface {
	// Create inserts a new org and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, name string) (*models.Org, error)
}

// UserRepository handles user data.
type UserRepository interface {
	Create(ctx context.Context, orgID uuid.UUID, email, displayName, role, passwordHash string) (*models.User, error)

	// GetByID returns a user scoped to the org. Returns nil, nil if not found.
	GetByID(ctx context.Context, orgID uuid.UUID, userID uuid.UUID) (*models.User, error)

	// GetByEmail is the login lookup; not org-scoped because the email
	// is globally unique. Returns nil, nil if not found.
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// ListByOrg is the user directory.
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]models.User, error)
}

// ThreadRepository handles threads and participation.
type ThreadRepository interface {
	// EnsureTeam returns the org-wide TEAM thread, creating it if this
	// org doesn't have one yet. Idempotent and race-safe.
	EnsureTeam(ctx context.Context, orgID uuid.UUID) (*models.Thread, error)

	// EnsureDirect returns the DIRECT thread for the unordered pair
	// (a, b), creating it (and its two participant rows) on first use.
	// Idempotent and race-safe via the (org_id, pair_key) unique index.
	EnsureDirect(ctx context.Context, orgID uuid.UUID, a, b uuid.UUID) (*models.Thread, error)

	// GetByID returns a thread scoped to the org. Returns nil, nil if not found.
	GetByID(ctx context.Context, orgID uuid.UUID, threadID uuid.UUID) (*models.Thread, error)

	// ListForUser returns every thread the user can see, with
	// participants and last message denormalized. Unread counts are NOT
	// filled in here — they live in the counter store, and the service
	// layer merges them.
	ListForUser(ctx context.Context, orgID uuid.UUID, userID uuid.UUID) ([]models.ThreadSummary, error)

	// ListParticipantIDs returns the user IDs a message in this thread
	// must reach. For TEAM threads that is every org member.
	ListParticipantIDs(ctx context.Context, thread *models.Thread) ([]uuid.UUID, error)

	// IsParticipant is the hot-path check before every send and join.
	IsParticipant(ctx context.Context, thread *models.Thread, userID uuid.UUID) (bool, error)
}

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// Create persists a message idempotently: if a message with the
	// same (sender, clientMsgID) already exists, the original row is
	// returned and created is false. The caller must skip all delivery
	// side effects in that case — this is what makes client retries
	// produce exactly one persisted message.
	Create(ctx context.Context, threadID, senderID uuid.UUID, body, clientMsgID string) (msg *models.Message, created bool, err error)

	// ListByThread returns messages ascending by ID with the sender
	// denormalized. after=0 returns the latest page (the tail, still
	// ascending); otherwise only messages with ID > after are returned
	// (reconnect catch-up cursor).
	ListByThread(ctx context.Context, threadID uuid.UUID, after int64, limit int) ([]models.Message, error)
}

// ReceiptRepository handles delivery/read receipt state.
type ReceiptRepository interface {
	// Record upserts (messageID, userID) to status, but never
	// backwards: a READ receipt is not demoted by a late DELIVERED.
	Record(ctx context.Context, messageID int64, userID uuid.UUID, status models.ReceiptStatus) error

	// MarkThreadRead advances every receipt the user has in the thread
	// (creating missing ones) to READ, for messages not sent by the
	// user. Idempotent.
	MarkThreadRead(ctx context.Context, threadID uuid.UUID, userID uuid.UUID) error

	// ListByMessage returns the receipts for one message.
	ListByMessage(ctx context.Context, messageID int64) ([]models.Receipt, error)
}
