package credkit

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the credential manager. Callers classify them
// with errors.Is; none of these are retried internally. ErrSigning is the only
// configuration-level failure and should be treated as fatal by the caller.
var (
	// ErrInvalidCredentials indicates an unknown email, an external-provider
	// account without a local password, or a password mismatch.
	ErrInvalidCredentials = errors.New("credential.invalid_credentials")
	// ErrInvalidToken indicates a token that is malformed or expired.
	ErrInvalidToken = errors.New("credential.invalid_token")
	// ErrRevoked indicates an access token that was revoked before its expiry.
	ErrRevoked = errors.New("credential.revoked")
	// ErrNoActiveSession indicates no stored refresh token for the subject.
	ErrNoActiveSession = errors.New("credential.no_active_session")
	// ErrTokenMismatch indicates a presented refresh token that differs from
	// the stored one, typically a previously rotated-out token.
	ErrTokenMismatch = errors.New("credential.token_mismatch")
	// ErrNoChallenge indicates no outstanding verification challenge.
	ErrNoChallenge = errors.New("credential.no_challenge")
	// ErrMismatchedCode indicates a wrong verification code; the challenge
	// stays in place for a retry.
	ErrMismatchedCode = errors.New("credential.mismatched_code")
	// ErrDispatchFailed indicates the notification collaborator rejected the
	// verification mail; no challenge is recorded in that case.
	ErrDispatchFailed = errors.New("credential.dispatch_failed")
	// ErrSigning indicates a signing key or configuration failure.
	ErrSigning = errors.New("credential.signing")
)

// Token-level failures both classify as ErrInvalidToken.
var (
	// ErrTokenMalformed indicates a token with bad encoding or signature.
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrInvalidToken)
	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)
)
