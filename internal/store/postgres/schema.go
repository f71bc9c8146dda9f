package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id     TEXT        PRIMARY KEY,
    activated     BOOLEAN     NOT NULL DEFAULT false,
    activated_at  TIMESTAMPTZ
);
`

const ddlChallenges = `
CREATE TABLE IF NOT EXISTS device_challenges (
    device_id   TEXT         PRIMARY KEY,
    challenge   TEXT         NOT NULL,
    expires_at  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_device_challenges_expires_at
    ON device_challenges (expires_at);
`

const ddlChatHistoryFmt = `
CREATE TABLE IF NOT EXISTS chat_history (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_history_device_created
    ON chat_history (device_id, created_at);
`

// Migrate installs the pgvector extension (if missing) and ensures the
// devices, device_challenges, and chat_history tables exist.
// embeddingDimensions sizes the chat_history.embedding column.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("postgres store: create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlDevices); err != nil {
		return fmt.Errorf("postgres store: migrate devices: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlChallenges); err != nil {
		return fmt.Errorf("postgres store: migrate device_challenges: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlChatHistoryFmt, embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres store: migrate chat_history: %w", err)
	}
	return nil
}
