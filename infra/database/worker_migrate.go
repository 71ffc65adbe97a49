package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		pattern_type  TEXT NOT NULL,
		pattern_value TEXT NOT NULL,
		score_impact  DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count  BIGINT NOT NULL DEFAULT 0,
		last_seen_at  TIMESTAMPTZ NOT NULL,
		archived      BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (user_id, pattern_type, pattern_value)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learned_patterns_user ON learned_patterns (user_id) WHERE NOT archived`,
	`CREATE TABLE IF NOT EXISTS user_weights (
		user_id           TEXT PRIMARY KEY,
		multipliers       JSONB NOT NULL DEFAULT '{}',
		high_threshold    INT NOT NULL DEFAULT 80,
		medium_threshold  INT NOT NULL DEFAULT 40,
		daily_limit_cents BIGINT NOT NULL DEFAULT 200,
		vip_senders       JSONB NOT NULL DEFAULT '{}',
		domain            TEXT,
		timezone          TEXT,
		preferred_model   TEXT,
		version           BIGINT NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables the pattern repository needs. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
