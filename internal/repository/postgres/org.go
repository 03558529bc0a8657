package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kavinraj-m/opschat/internal/models"
)

type OrgStore struct {
	pool *pgxpool.Pool
}

func NewOrgStore(pool *pgxpool.Pool) *OrgStore {
	return &OrgStore{pool: pool}
}

func (s *OrgStore) Create(ctx context.Context, name string) (*models.Org, error) {
	query := `
		INSERT INTO orgs (id, name, created_at)
		VALUES (uuid_generate_v4(), $1, now())
		RETURNING id, name, created_at`

	var org models.Org
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&org.ID,
		&org.Name,
		&org.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert org: %w", err)
	}
	return &org, nil
}
