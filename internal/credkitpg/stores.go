package credkitpg

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pickit/pickauth/internal/credkit"
)

// Stores bundles the Postgres-backed credential stores over one pool.
type Stores struct {
	Sessions    *SessionStore
	Revocations *RevocationStore
	Challenges  *ChallengeStore
}

// NewStores wires the three stores over the supplied pool.
func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Sessions:    &SessionStore{pool: pool},
		Revocations: &RevocationStore{pool: pool},
		Challenges:  &ChallengeStore{pool: pool},
	}
}

// SessionStore persists the single live refresh token per email in PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// Put upserts the refresh token for the email.
func (store *SessionStore) Put(ctx context.Context, email string, refreshToken string) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO sessions (email, refresh_token, updated_unix)
VALUES ($1, $2, $3)
ON CONFLICT (email) DO UPDATE SET refresh_token = EXCLUDED.refresh_token, updated_unix = EXCLUDED.updated_unix
`, email, refreshToken, time.Now().UTC().Unix())
	return err
}

// Get returns the stored refresh token for the email.
func (store *SessionStore) Get(ctx context.Context, email string) (string, bool, error) {
	var refreshToken string
	row := store.pool.QueryRow(ctx, `SELECT refresh_token FROM sessions WHERE email = $1`, email)
	if scanErr := row.Scan(&refreshToken); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, scanErr
	}
	return refreshToken, true, nil
}

// Delete removes the session row; absent rows are a no-op.
func (store *SessionStore) Delete(ctx context.Context, email string) error {
	_, err := store.pool.Exec(ctx, `DELETE FROM sessions WHERE email = $1`, email)
	return err
}

// RevocationStore persists revoked access tokens keyed by hash in PostgreSQL.
type RevocationStore struct {
	pool *pgxpool.Pool
}

// Revoke inserts a blacklist row expiring at now+ttl and sweeps lapsed rows.
func (store *RevocationStore) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := store.pool.Exec(ctx, `
INSERT INTO revoked_tokens (token_hash, expires_unix, revoked_unix)
VALUES ($1, $2, $3)
ON CONFLICT (token_hash) DO UPDATE SET expires_unix = EXCLUDED.expires_unix
`, hash(tokenString), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return err
	}
	_, err = store.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_unix < $1`, now.Unix())
	return err
}

// IsRevoked reports whether the token has an unexpired blacklist row.
func (store *RevocationStore) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	var expiresUnix int64
	row := store.pool.QueryRow(ctx, `SELECT expires_unix FROM revoked_tokens WHERE token_hash = $1`, hash(tokenString))
	if scanErr := row.Scan(&expiresUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, nil
		}
		return false, scanErr
	}
	return time.Unix(expiresUnix, 0).After(time.Now().UTC()), nil
}

// ChallengeStore persists at most one verification challenge per subject in
// PostgreSQL.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

// Issue replaces any row for the subject with the new challenge.
func (store *ChallengeStore) Issue(ctx context.Context, subjectID int64, challenge credkit.Challenge) error {
	var expiresUnix int64
	if !challenge.ExpiresAt.IsZero() {
		expiresUnix = challenge.ExpiresAt.Unix()
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO verification_challenges (subject_id, code, company_name, issued_unix, expires_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (subject_id) DO UPDATE SET
    code = EXCLUDED.code,
    company_name = EXCLUDED.company_name,
    issued_unix = EXCLUDED.issued_unix,
    expires_unix = EXCLUDED.expires_unix
`, subjectID, challenge.Code, challenge.CompanyName, challenge.IssuedAt.Unix(), expiresUnix)
	return err
}

// Get returns the outstanding challenge for the subject; lapsed rows read as
// absent.
func (store *ChallengeStore) Get(ctx context.Context, subjectID int64) (credkit.Challenge, bool, error) {
	var code int
	var companyName string
	var issuedUnix int64
	var expiresUnix int64
	row := store.pool.QueryRow(ctx, `
SELECT code, company_name, issued_unix, expires_unix
FROM verification_challenges
WHERE subject_id = $1
`, subjectID)
	if scanErr := row.Scan(&code, &companyName, &issuedUnix, &expiresUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return credkit.Challenge{}, false, nil
		}
		return credkit.Challenge{}, false, scanErr
	}
	challenge := credkit.Challenge{
		Code:        code,
		CompanyName: companyName,
		IssuedAt:    time.Unix(issuedUnix, 0).UTC(),
	}
	if expiresUnix != 0 {
		challenge.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	}
	if challenge.Expired(time.Now().UTC()) {
		return credkit.Challenge{}, false, nil
	}
	return challenge, true, nil
}

// Consume deletes the subject's challenge row; absent rows are a no-op.
func (store *ChallengeStore) Consume(ctx context.Context, subjectID int64) error {
	_, err := store.pool.Exec(ctx, `DELETE FROM verification_challenges WHERE subject_id = $1`, subjectID)
	return err
}

func hash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
