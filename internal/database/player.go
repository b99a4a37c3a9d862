// internal/database/player.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const playersSchema = `
CREATE TABLE IF NOT EXISTS players (
	id           UUID PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_url   TEXT NOT NULL DEFAULT '',
	avatar_color TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PlayerRepo stores player identities in Postgres.
type PlayerRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPlayerRepo(pool *pgxpool.Pool) *PlayerRepo {
	return &PlayerRepo{pool: pool, now: time.Now}
}

// Migrate creates the players table if it is missing.
func (r *PlayerRepo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, playersSchema); err != nil {
		return fmt.Errorf("create players table: %w", err)
	}
	return nil
}

// Create mints a new identity and persists it.
func (r *PlayerRepo) Create(ctx context.Context, name, avatarURL, color string) (models.Player, error) {
	p := models.NewPlayer(name, avatarURL, color, r.now().UTC())

	q := `INSERT INTO players (id, display_name, avatar_url, avatar_color, created_at)
	      VALUES ($1, $2, $3, $4, $5)`
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q, p.ID, p.DisplayName, p.AvatarURL, p.AvatarColor, p.CreatedAt)
		return execErr
	})
	if err != nil {
		return models.Player{}, fmt.Errorf("failed to insert player: %w", err)
	}
	return p, nil
}

// Get loads one identity.
func (r *PlayerRepo) Get(ctx context.Context, id string) (models.Player, error) {
	var p models.Player
	q := `
	SELECT id::text, display_name, avatar_url, avatar_color, created_at
	FROM players
	WHERE id=$1
	`
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.AvatarColor, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Player{}, fmt.Errorf("%w: %s", errs.ErrPlayerNotFound, id)
	}
	if err != nil {
		return models.Player{}, fmt.Errorf("failed to load player %s: %w", id, err)
	}
	return p, nil
}
