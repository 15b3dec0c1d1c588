package db

import (
	"context"
	"errors"
	"time"

	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureAdminUser creates the bootstrap admin account from ADMIN_EMAIL /
// ADMIN_PASSWORD at startup. A no-op when the account exists or the env
// vars are unset, so repeated boots are safe.
func EnsureAdminUser(ctx context.Context, pool *pgxpool.Pool, cfg config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	var existing string
	err := pool.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, cfg.AdminEmail).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	hash, err := security.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, name, role, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), cfg.AdminEmail, hash, cfg.AdminName, cfg.AdminRole, now, now,
	)
	return err
}
