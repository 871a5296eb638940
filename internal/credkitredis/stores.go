package credkitredis

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pickit/pickauth/internal/credkit"
)

const (
	sessionKeyPrefix   = "pickauth:session:"
	revokedKeyPrefix   = "pickauth:revoked:"
	challengeKeyPrefix = "pickauth:challenge:"
)

// Stores bundles the Redis-backed credential stores over one client.
// Revocation and challenge expiry ride on Redis key TTLs.
type Stores struct {
	Sessions    *SessionStore
	Revocations *RevocationStore
	Challenges  *ChallengeStore
}

// NewStores wires the three stores over the supplied client. sessionTTL
// bounds how long an untouched session key survives; it should be at least
// the refresh-token lifetime.
func NewStores(client *redis.Client, sessionTTL time.Duration) *Stores {
	return &Stores{
		Sessions:    &SessionStore{client: client, ttl: sessionTTL},
		Revocations: &RevocationStore{client: client},
		Challenges:  &ChallengeStore{client: client},
	}
}

// SessionStore keeps the single live refresh token per email in Redis.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Put overwrites the refresh token for the email.
func (store *SessionStore) Put(ctx context.Context, email string, refreshToken string) error {
	if err := store.client.Set(ctx, sessionKeyPrefix+email, refreshToken, store.ttl).Err(); err != nil {
		return fmt.Errorf("redis_store.session.put: %w", err)
	}
	return nil
}

// Get returns the stored refresh token for the email.
func (store *SessionStore) Get(ctx context.Context, email string) (string, bool, error) {
	refreshToken, err := store.client.Get(ctx, sessionKeyPrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis_store.session.get: %w", err)
	}
	return refreshToken, true, nil
}

// Delete removes the session key; absent keys are a no-op.
func (store *SessionStore) Delete(ctx context.Context, email string) error {
	if err := store.client.Del(ctx, sessionKeyPrefix+email).Err(); err != nil {
		return fmt.Errorf("redis_store.session.delete: %w", err)
	}
	return nil
}

// RevocationStore keeps revoked access tokens in Redis, expiring with the key.
type RevocationStore struct {
	client *redis.Client
}

// Revoke marks the token until its remaining lifetime lapses.
func (store *RevocationStore) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := store.client.Set(ctx, revokedKeyPrefix+hash(tokenString), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis_store.revocation.revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token's blacklist key still exists.
func (store *RevocationStore) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	count, err := store.client.Exists(ctx, revokedKeyPrefix+hash(tokenString)).Result()
	if err != nil {
		return false, fmt.Errorf("redis_store.revocation.is_revoked: %w", err)
	}
	return count > 0, nil
}

type challengeBlob struct {
	Code        int    `json:"code"`
	CompanyName string `json:"company_name"`
	IssuedUnix  int64  `json:"issued_unix"`
	ExpiresUnix int64  `json:"expires_unix"`
}

// ChallengeStore keeps at most one verification challenge per subject in
// Redis.
type ChallengeStore struct {
	client *redis.Client
}

// Issue replaces any outstanding challenge for the subject.
func (store *ChallengeStore) Issue(ctx context.Context, subjectID int64, challenge credkit.Challenge) error {
	blob := challengeBlob{
		Code:        challenge.Code,
		CompanyName: challenge.CompanyName,
		IssuedUnix:  challenge.IssuedAt.Unix(),
	}
	var ttl time.Duration
	if !challenge.ExpiresAt.IsZero() {
		blob.ExpiresUnix = challenge.ExpiresAt.Unix()
		ttl = time.Until(challenge.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	encoded, encodeErr := json.Marshal(blob)
	if encodeErr != nil {
		return fmt.Errorf("redis_store.challenge.encode: %w", encodeErr)
	}
	if err := store.client.Set(ctx, challengeKey(subjectID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("redis_store.challenge.issue: %w", err)
	}
	return nil
}

// Get returns the outstanding challenge for the subject.
func (store *ChallengeStore) Get(ctx context.Context, subjectID int64) (credkit.Challenge, bool, error) {
	encoded, err := store.client.Get(ctx, challengeKey(subjectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return credkit.Challenge{}, false, nil
		}
		return credkit.Challenge{}, false, fmt.Errorf("redis_store.challenge.get: %w", err)
	}
	var blob challengeBlob
	if decodeErr := json.Unmarshal(encoded, &blob); decodeErr != nil {
		return credkit.Challenge{}, false, fmt.Errorf("redis_store.challenge.decode: %w", decodeErr)
	}
	challenge := credkit.Challenge{
		Code:        blob.Code,
		CompanyName: blob.CompanyName,
		IssuedAt:    time.Unix(blob.IssuedUnix, 0).UTC(),
	}
	if blob.ExpiresUnix != 0 {
		challenge.ExpiresAt = time.Unix(blob.ExpiresUnix, 0).UTC()
	}
	return challenge, true, nil
}

// Consume removes the subject's challenge key; absent keys are a no-op.
func (store *ChallengeStore) Consume(ctx context.Context, subjectID int64) error {
	if err := store.client.Del(ctx, challengeKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("redis_store.challenge.consume: %w", err)
	}
	return nil
}

func challengeKey(subjectID int64) string {
	return challengeKeyPrefix + strconv.FormatInt(subjectID, 10)
}

func hash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
