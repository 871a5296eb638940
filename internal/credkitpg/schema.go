package credkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the credential tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
    email TEXT PRIMARY KEY,
    refresh_token TEXT NOT NULL,
    updated_unix BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS revoked_tokens (
    token_hash TEXT PRIMARY KEY,
    expires_unix BIGINT NOT NULL,
    revoked_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens (expires_unix);
CREATE TABLE IF NOT EXISTS verification_challenges (
    subject_id BIGINT PRIMARY KEY,
    code INTEGER NOT NULL,
    company_name TEXT NOT NULL,
    issued_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL DEFAULT 0
);
`)
	return err
}
