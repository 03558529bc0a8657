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

type ThreadStore struct {
	pool *pgxpool.Pool
}

func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

const threadColumns = `id, org_id, type, COALESCE(pair_key, ''), created_at`

// EnsureTeam creates the org-wide TEAM thread if it doesn't exist yet.
//
// The partial unique index (org_id) WHERE type = 'TEAM' makes the
// insert race-safe: two concurrent bootstraps collapse onto one row,
// the loser's insert does nothing and the follow-up select finds the
// winner's row.
func (s *ThreadStore) EnsureTeam(ctx context.Context, orgID uuid.UUID) (*models.Thread, error) {
	insert := `
		INSERT INTO threads (id, org_id, type, created_at)
		VALUES (uuid_generate_v4(), $1, 'TEAM', now())
		ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, orgID); err != nil {
		return nil, fmt.Errorf("insert team thread: %w", err)
	}

	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE org_id = $1 AND type = 'TEAM'`

	var th models.Thread
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&th.ID,
		&th.OrgID,
		&th.Type,
		&th.PairKey,
		&th.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get team thread: %w", err)
	}
	return &th, nil
}

// EnsureDirect creates (or finds) the DIRECT thread for the unordered
// pair (a, b), adding both participant rows on first creation.
func (s *ThreadStore) EnsureDirect(ctx context.Context, orgID uuid.UUID, a, b uuid.UUID) (*models.Thread, error) {
	pairKey := models.DirectPairKey(a, b)

	insert := `
		INSERT INTO threads (id, org_id, type, pair_key, created_at)
		VALUES (uuid_generate_v4(), $1, 'DIRECT', $2, now())
		ON CONFLICT (org_id, pair_key) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, orgID, pairKey); err != nil {
		return nil, fmt.Errorf("insert direct thread: %w", err)
	}

	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE org_id = $1 AND pair_key = $2`

	var th models.Thread
	err := s.pool.QueryRow(ctx, query, orgID, pairKey).Scan(
		&th.ID,
		&th.OrgID,
		&th.Type,
		&th.PairKey,
		&th.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get direct thread: %w", err)
	}

	// Participant rows are idempotent too; re-running after a lost race
	// is harmless.
	participants := `
		INSERT INTO thread_participants (thread_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, participants, th.ID, a, b); err != nil {
		return nil, fmt.Errorf("insert participants: %w", err)
	}

	return &th, nil
}

func (s *ThreadStore) GetByID(ctx context.Context, orgID uuid.UUID, threadID uuid.UUID) (*models.Thread, error) {
	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE id = $1 AND org_id = $2`

	var th models.Thread
	err := s.pool.QueryRow(ctx, query, threadID, orgID).Scan(
		&th.ID,
		&th.OrgID,
		&th.Type,
		&th.PairKey,
		&th.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &th, nil
}

// ListForUser returns the TEAM thread plus every DIRECT thread the user
// participates in, with participants and last message denormalized.
func (s *ThreadStore) ListForUser(ctx context.Context, orgID uuid.UUID, userID uuid.UUID) ([]models.ThreadSummary, error) {
	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE org_id = $1
		  AND (type = 'TEAM'
		       OR id IN (SELECT thread_id FROM thread_participants WHERE user_id = $2))
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ThreadSummary, 0)
	for rows.Next() {
		var th models.Thread
		if err := rows.Scan(
			&th.ID,
			&th.OrgID,
			&th.Type,
			&th.PairKey,
			&th.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		summaries = append(summaries, models.ThreadSummary{Thread: th})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	for i := range summaries {
		if err := s.fillSummary(ctx, &summaries[i]); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

func (s *ThreadStore) fillSummary(ctx context.Context, sum *models.ThreadSummary) error {
	ids, err := s.ListParticipantIDs(ctx, &sum.Thread)
	if err != nil {
		return err
	}

	sum.Participants = make([]models.User, 0, len(ids))
	if len(ids) > 0 {
		query := `
			SELECT id, org_id, email, display_name, role, password_hash, created_at
			FROM users
			WHERE id = ANY($1)
			ORDER BY display_name`
		rows, err := s.pool.Query(ctx, query, ids)
		if err != nil {
			return fmt.Errorf("list thread participants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var u models.User
			if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.DisplayName, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
				return fmt.Errorf("scan participant: %w", err)
			}
			sum.Participants = append(sum.Participants, u)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate participants: %w", err)
		}
	}

	last := `
		SELECT id, thread_id, sender_id, body, COALESCE(client_msg_id, ''), created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY id DESC
		LIMIT 1`
	var msg models.Message
	err = s.pool.QueryRow(ctx, last, sum.ID).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Body,
		&msg.ClientMsgID,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("get last message: %w", err)
	}
	sum.LastMessage = &msg
	return nil
}

func (s *ThreadStore) ListParticipantIDs(ctx context.Context, thread *models.Thread) ([]uuid.UUID, error) {
	var query string
	var arg uuid.UUID

	// TEAM thread participation is org membership, resolved at query
	// time; there are no participant rows for it.
	if thread.Type == models.ThreadTeam {
		query = `SELECT id FROM users WHERE org_id = $1`
		arg = thread.OrgID
	} else {
		query = `SELECT user_id FROM thread_participants WHERE thread_id = $1`
		arg = thread.ID
	}

	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list participant ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant ids: %w", err)
	}

	return ids, nil
}

func (s *ThreadStore) IsParticipant(ctx context.Context, thread *models.Thread, userID uuid.UUID) (bool, error) {
	var query string
	var args []any

	if thread.Type == models.ThreadTeam {
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND org_id = $2)`
		args = []any{userID, thread.OrgID}
	} else {
		query = `SELECT EXISTS (SELECT 1 FROM thread_participants WHERE thread_id = $1 AND user_id = $2)`
		args = []any{thread.ID, userID}
	}

	var ok bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}
