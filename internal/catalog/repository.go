package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists family groups in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectGroups = `SELECT id, name, parent_id, created_at, updated_at FROM family_groups`

// ListGroups returns every family group.
func (r *Repository) ListGroups(ctx context.Context) ([]FamilyGroup, error) {
	rows, err := r.pool.Query(ctx, selectGroups+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := []FamilyGroup{}
	for rows.Next() {
		var g FamilyGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.ParentID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns one family group by id.
func (r *Repository) GetGroup(ctx context.Context, id int64) (FamilyGroup, error) {
	var g FamilyGroup
	err := r.pool.QueryRow(ctx, selectGroups+` WHERE id=$1`, id).Scan(&g.ID, &g.Name, &g.ParentID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FamilyGroup{}, ErrNotFound
		}
		return FamilyGroup{}, err
	}
	return g, nil
}

// InsertGroup stores a new family group and returns its id.
func (r *Repository) InsertGroup(ctx context.Context, g FamilyGroup) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO family_groups (name, parent_id, created_at, updated_at) VALUES ($1,$2,NOW(),NOW()) RETURNING id`, g.Name, g.ParentID).Scan(&id)
	return id, err
}
