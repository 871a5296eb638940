package credkit

import (
	"context"
	"time"
)

// SessionStore holds the single live refresh token per subject email. Put
// overwrites unconditionally; Delete is a no-op for an absent key. Every
// operation on a given email must appear atomic to concurrent callers.
type SessionStore interface {
	Put(ctx context.Context, email string, refreshToken string) error
	Get(ctx context.Context, email string) (string, bool, error)
	Delete(ctx context.Context, email string) error
}

// RevocationStore records access tokens that must be rejected until their
// natural expiry. Revoke with a non-positive ttl is a no-op; IsRevoked must
// never report true past the entry's ttl.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenString string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenString string) (bool, error)
}

// Challenge is a one-time company verification code bound to the claimed
// company name. A zero ExpiresAt means the challenge never expires on its own.
type Challenge struct {
	Code        int
	CompanyName string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the challenge lapsed before the given instant.
func (challenge Challenge) Expired(now time.Time) bool {
	return !challenge.ExpiresAt.IsZero() && now.After(challenge.ExpiresAt)
}

// ChallengeStore keeps at most one outstanding verification challenge per
// subject. Issue discards any previous challenge for the subject; Consume
// removes it on the success path only.
type ChallengeStore interface {
	Issue(ctx context.Context, subjectID int64, challenge Challenge) error
	Get(ctx context.Context, subjectID int64) (Challenge, bool, error)
	Consume(ctx context.Context, subjectID int64) error
}
