// Package repository provides PostgreSQL-backed stores.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/permission"
)

const grantColumns = `app_id, name, allowed_event_kinds, nip04_allowed, nip44_allowed, auto_approve, created_at, updated_at`

type grantRepo struct {
	pool *pgxpool.Pool
}

// NewGrantRepository creates a grant store backed by the grants table.
// A NULL allowed_event_kinds column means every kind is allowed.
func NewGrantRepository(pool *pgxpool.Pool) permission.GrantStore {
	return &grantRepo{pool: pool}
}

// Get retrieves a grant by app id.
func (r *grantRepo) Get(ctx context.Context, appID string) (*permission.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE app_id = $1`

	g, err := scanGrant(r.pool.QueryRow(ctx, query, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nsigner.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Put inserts or replaces a grant. created_at of an existing row is kept.
func (r *grantRepo) Put(ctx context.Context, g *permission.Grant) error {
	query := `
		INSERT INTO grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (app_id) DO UPDATE SET
			name = EXCLUDED.name,
			allowed_event_kinds = EXCLUDED.allowed_event_kinds,
			nip04_allowed = EXCLUDED.nip04_allowed,
			nip44_allowed = EXCLUDED.nip44_allowed,
			auto_approve = EXCLUDED.auto_approve,
			updated_at = EXCLUDED.updated_at`

	createdAt, updatedAt := g.CreatedAt, g.UpdatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := r.pool.Exec(ctx, query,
		g.AppID,
		g.Name,
		g.AllowedEventKinds,
		g.Nip04Allowed,
		g.Nip44Allowed,
		g.AutoApprove,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", nsigner.ErrStorePersist, err)
	}
	return nil
}

// Delete removes a grant. Unknown app ids are not an error.
func (r *grantRepo) Delete(ctx context.Context, appID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM grants WHERE app_id = $1`, appID)
	if err != nil {
		return fmt.Errorf("%w: %w", nsigner.ErrStorePersist, err)
	}
	return nil
}

// List returns all grants ordered by app id.
func (r *grantRepo) List(ctx context.Context) ([]*permission.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants ORDER BY app_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*permission.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanGrant(row pgx.Row) (*permission.Grant, error) {
	var g permission.Grant
	err := row.Scan(
		&g.AppID,
		&g.Name,
		&g.AllowedEventKinds,
		&g.Nip04Allowed,
		&g.Nip44Allowed,
		&g.AutoApprove,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
