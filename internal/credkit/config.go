package credkit

import "time"

// Default lifetimes; the refresh threshold mirrors the platform's
// rotate-when-close-to-expiry policy.
const (
	DefaultAccessTTL         = 30 * time.Minute
	DefaultRefreshTTL        = 14 * 24 * time.Hour
	DefaultRotationThreshold = 3 * 24 * time.Hour
)

// ServerConfig configures token issuance, rotation, and the verification flow.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RotationThreshold gates refresh-token rotation: a refresh call issues a
	// replacement refresh token only when the presented token has less than
	// this duration left.
	RotationThreshold time.Duration

	// ChallengeTTL bounds the life of an unconsumed verification challenge.
	// Zero means challenges never expire and are only superseded by a fresh
	// issue.
	ChallengeTTL time.Duration

	// GoogleWebClientID enables the external-provider login route when set.
	GoogleWebClientID string
}
