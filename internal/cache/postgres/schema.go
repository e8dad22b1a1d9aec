package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPCMCache = `
CREATE TABLE IF NOT EXISTS pcm_cache (
    key          TEXT         PRIMARY KEY,
    pcm          BYTEA        NOT NULL,
    locator      TEXT         NOT NULL DEFAULT '',
    title        TEXT         NOT NULL DEFAULT '',
    uploader     TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pcm_cache_created_at
    ON pcm_cache (created_at);
`

// Migrate creates the cache table if it does not exist. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPCMCache); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
