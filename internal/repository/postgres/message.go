package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kavinraj-m/opschat/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Create persists a message idempotently.
//
// The unique index on (sender_id, client_msg_id) is the server half of
// the exactly-once contract: the client may retry the same logical send
// over the channel, over HTTP, or both, and every attempt after the
// first collapses onto the original row. ON CONFLICT DO NOTHING plus a
// re-select keeps this a single round trip in the common case and
// race-free in the retry case.
//
// created=false tells the caller the row already existed — delivery
// side effects (receipts, unread increments, push events) must be
// skipped, because they already happened.
func (s *MessageStore) Create(ctx context.Context, threadID, senderID uuid.UUID, body, clientMsgID string) (*models.Message, bool, error) {
	insert := `
		INSERT INTO messages (thread_id, sender_id, body, client_msg_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (sender_id, client_msg_id) DO NOTHING
		RETURNING id, thread_id, sender_id, body, COALESCE(client_msg_id, ''), created_at`

	var msg models.Message
	err := s.pool.QueryRow(ctx, insert, threadID, senderID, body, clientMsgID).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Body,
		&msg.ClientMsgID,
		&msg.CreatedAt,
	)
	if err == nil {
		return &msg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	// Conflict path: the same (sender, client_msg_id) was persisted by
	// an earlier attempt. Return that row.
	query := `
		SELECT id, thread_id, sender_id, body, COALESCE(client_msg_id, ''), created_at
		FROM messages
		WHERE sender_id = $1 AND client_msg_id = $2`
	err = s.pool.QueryRow(ctx, query, senderID, clientMsgID).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Body,
		&msg.ClientMsgID,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("get message by client_msg_id: %w", err)
	}
	return &msg, false, nil
}

// ListByThread returns messages ascending by ID with the sender joined.
//
// Two cursor modes, both returning ascending order (the render order):
//   - after > 0: the gap fetch — "everything newer than the last ID I
//     have", used for reconnect catch-up.
//   - after == 0: the caller has nothing yet and wants the LATEST page,
//     not the oldest; the query walks backwards and the rows are
//     reversed before returning.
//
// The INNER JOIN on users doubles as the validity filter — a message
// whose sender row is gone is excluded rather than returned half-formed.
func (s *MessageStore) ListByThread(ctx context.Context, threadID uuid.UUID, after int64, limit int) ([]models.Message, error) {
	const columns = `
		m.id, m.thread_id, m.sender_id, m.body, COALESCE(m.client_msg_id, ''), m.created_at,
		u.id, u.org_id, u.email, u.display_name, u.role, u.created_at`

	var query string
	var args []any
	if after > 0 {
		query = `
			SELECT ` + columns + `
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.thread_id = $1 AND m.id > $2
			ORDER BY m.id
			LIMIT $3`
		args = []any{threadID, after, limit}
	} else {
		query = `
			SELECT ` + columns + `
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.thread_id = $1
			ORDER BY m.id DESC
			LIMIT $2`
		args = []any{threadID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var sender models.User
		if err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.SenderID,
			&msg.Body,
			&msg.ClientMsgID,
			&msg.CreatedAt,
			&sender.ID,
			&sender.OrgID,
			&sender.Email,
			&sender.DisplayName,
			&sender.Role,
			&sender.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Sender = &sender
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if after == 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}
