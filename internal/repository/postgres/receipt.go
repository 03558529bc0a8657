package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kavinraj-m/opschat/internal/models"
)

type ReceiptStore struct {
	pool *pgxpool.Pool
}

func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

// statusRank mirrors models.ReceiptStatus ordering in SQL so the upsert
// can refuse to move a receipt backwards. A READ receipt stays READ
// even if a late DELIVERED arrives out of order.
const statusRank = `
	CASE %s
		WHEN 'SENT' THEN 1
		WHEN 'DELIVERED' THEN 2
		WHEN 'READ' THEN 3
		ELSE 0
	END`

func (s *ReceiptStore) Record(ctx context.Context, messageID int64, userID uuid.UUID, status models.ReceiptStatus) error {
	query := fmt.Sprintf(`
		INSERT INTO receipts (message_id, user_id, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = now()
		WHERE `+statusRank+` > `+statusRank,
		"EXCLUDED.status", "receipts.status")

	if _, err := s.pool.Exec(ctx, query, messageID, userID, string(status)); err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	return nil
}

// MarkThreadRead advances the user's receipts for every message in the
// thread they didn't send to READ, creating rows that don't exist yet.
// Idempotent: running it twice changes nothing the second time.
func (s *ReceiptStore) MarkThreadRead(ctx context.Context, threadID uuid.UUID, userID uuid.UUID) error {
	query := `
		INSERT INTO receipts (message_id, user_id, status, updated_at)
		SELECT m.id, $2, 'READ', now()
		FROM messages m
		WHERE m.thread_id = $1 AND m.sender_id <> $2
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = 'READ', updated_at = now()
		WHERE receipts.status <> 'READ'`

	if _, err := s.pool.Exec(ctx, query, threadID, userID); err != nil {
		return fmt.Errorf("mark thread read: %w", err)
	}
	return nil
}

func (s *ReceiptStore) ListByMessage(ctx context.Context, messageID int64) ([]models.Receipt, error) {
	query := `
		SELECT message_id, user_id, status, updated_at
		FROM receipts
		WHERE message_id = $1
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]models.Receipt, 0)
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}

	return receipts, nil
}
