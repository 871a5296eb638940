package credkit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

const (
	verificationMailSubject = "[PICK-IT] Company verification code"
	verificationMailBody    = "Enter the following 4-digit code on the site to complete company verification.\n%04d"

	challengeCodeMin  = 1000
	challengeCodeSpan = 9000
)

// Email probe results reported by EmailStatus.
const (
	EmailStatusValid    = "valid"
	EmailStatusExternal = "external"
	EmailStatusConflict = "conflict"
)

// Company probe results reported by CompanyStatus for accounts without a
// verified association.
const (
	CompanyStatusAsk       = "ask"
	CompanyStatusNoRequest = "no request"
)

// AuthSession is the outcome of a successful login or refresh.
type AuthSession struct {
	SubjectID    int64
	Email        string
	AccessToken  string
	RefreshToken string
}

// Stores groups the keyed stores the manager orchestrates.
type Stores struct {
	Sessions    SessionStore
	Revocations RevocationStore
	Challenges  ChallengeStore
}

// Collaborators groups the external dependencies of the manager. Logger,
// Metrics, and Clock are optional and default to no-op implementations.
type Collaborators struct {
	Identities IdentityStore
	Passwords  PasswordVerifier
	Dispatcher NotificationDispatcher
	Logger     *zap.Logger
	Metrics    MetricsRecorder
	Clock      Clock
}

// CredentialManager orchestrates the token codec and the keyed stores to run
// the login, refresh, logout, and company verification flows.
type CredentialManager struct {
	codec       *TokenCodec
	sessions    SessionStore
	revocations RevocationStore
	challenges  ChallengeStore
	identities  IdentityStore
	passwords   PasswordVerifier
	dispatcher  NotificationDispatcher
	logger      *zap.Logger
	metrics     MetricsRecorder
	clock       Clock

	rotationThreshold time.Duration
	challengeTTL      time.Duration
}

// NewCredentialManager wires the manager after validating required
// dependencies.
func NewCredentialManager(configuration ServerConfig, codec *TokenCodec, stores Stores, collaborators Collaborators) (*CredentialManager, error) {
	if codec == nil {
		return nil, errors.New("credential.new: nil token codec")
	}
	if stores.Sessions == nil || stores.Revocations == nil || stores.Challenges == nil {
		return nil, errors.New("credential.new: incomplete store set")
	}
	if collaborators.Identities == nil {
		return nil, errors.New("credential.new: nil identity store")
	}
	if collaborators.Passwords == nil {
		collaborators.Passwords = BcryptVerifier{}
	}
	if collaborators.Dispatcher == nil {
		return nil, errors.New("credential.new: nil notification dispatcher")
	}
	if collaborators.Logger == nil {
		collaborators.Logger = zap.NewNop()
	}
	if collaborators.Metrics == nil {
		collaborators.Metrics = noopMetrics{}
	}
	if collaborators.Clock == nil {
		collaborators.Clock = NewSystemClock()
	}
	rotationThreshold := configuration.RotationThreshold
	if rotationThreshold <= 0 {
		rotationThreshold = DefaultRotationThreshold
	}
	return &CredentialManager{
		codec:             codec,
		sessions:          stores.Sessions,
		revocations:       stores.Revocations,
		challenges:        stores.Challenges,
		identities:        collaborators.Identities,
		passwords:         collaborators.Passwords,
		dispatcher:        collaborators.Dispatcher,
		logger:            collaborators.Logger,
		metrics:           collaborators.Metrics,
		clock:             collaborators.Clock,
		rotationThreshold: rotationThreshold,
		challengeTTL:      configuration.ChallengeTTL,
	}, nil
}

// Login authenticates a local-password account and starts a session. A prior
// session for the same subject is overwritten: logging in from a second device
// invalidates the first device's refresh token.
func (manager *CredentialManager) Login(ctx context.Context, email string, rawPassword string) (AuthSession, error) {
	identity, found, lookupErr := manager.identities.FindByEmail(ctx, email)
	if lookupErr != nil {
		return AuthSession{}, fmt.Errorf("credential.login: %w", lookupErr)
	}
	if !found {
		manager.metrics.Increment(MetricLoginFailure)
		return AuthSession{}, fmt.Errorf("credential.login: %w", ErrInvalidCredentials)
	}
	local, isLocal := identity.Credential.(LocalCredential)
	if !isLocal {
		manager.metrics.Increment(MetricLoginFailure)
		return AuthSession{}, fmt.Errorf("credential.login: %w", ErrInvalidCredentials)
	}
	if !manager.passwords.Matches(rawPassword, local.PasswordHash) {
		manager.metrics.Increment(MetricLoginFailure)
		return AuthSession{}, fmt.Errorf("credential.login: %w", ErrInvalidCredentials)
	}
	return manager.startSession(ctx, identity, "credential.login")
}

// LoginExternal starts a session for an account owned by the named external
// provider. The caller is responsible for verifying the provider's proof of
// identity before calling this.
func (manager *CredentialManager) LoginExternal(ctx context.Context, email string, provider string) (AuthSession, error) {
	identity, found, lookupErr := manager.identities.FindByEmail(ctx, email)
	if lookupErr != nil {
		return AuthSession{}, fmt.Errorf("credential.login_external: %w", lookupErr)
	}
	if !found {
		manager.metrics.Increment(MetricLoginFailure)
		return AuthSession{}, fmt.Errorf("credential.login_external: %w", ErrInvalidCredentials)
	}
	external, isExternal := identity.Credential.(ExternalCredential)
	if !isExternal || external.Provider != provider {
		manager.metrics.Increment(MetricLoginFailure)
		return AuthSession{}, fmt.Errorf("credential.login_external: %w", ErrInvalidCredentials)
	}
	return manager.startSession(ctx, identity, "credential.login_external")
}

func (manager *CredentialManager) startSession(ctx context.Context, identity Identity, operation string) (AuthSession, error) {
	refreshToken, refreshErr := manager.codec.IssueRefresh(identity)
	if refreshErr != nil {
		return AuthSession{}, fmt.Errorf("%s: %w", operation, refreshErr)
	}
	if putErr := manager.sessions.Put(ctx, identity.Email, refreshToken); putErr != nil {
		return AuthSession{}, fmt.Errorf("%s: %w", operation, putErr)
	}
	accessToken, accessErr := manager.codec.IssueAccess(identity)
	if accessErr != nil {
		return AuthSession{}, fmt.Errorf("%s: %w", operation, accessErr)
	}
	manager.metrics.Increment(MetricLoginSuccess)
	manager.logger.Info("session started", zap.Int64("subject_id", identity.ID))
	return AuthSession{
		SubjectID:    identity.ID,
		Email:        identity.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. The presented
// token must be byte-identical to the stored one; a previously rotated-out
// token is rejected even though it is well-formed and unexpired. A replacement
// refresh token is issued only when the presented one is within the rotation
// threshold of its expiry.
func (manager *CredentialManager) Refresh(ctx context.Context, refreshTokenString string) (AuthSession, error) {
	claims, parseErr := manager.codec.Parse(refreshTokenString)
	if parseErr != nil {
		manager.metrics.Increment(MetricRefreshRejected)
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", parseErr)
	}
	storedToken, found, getErr := manager.sessions.Get(ctx, claims.Email)
	if getErr != nil {
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", getErr)
	}
	if !found {
		manager.metrics.Increment(MetricRefreshRejected)
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", ErrNoActiveSession)
	}
	if storedToken != refreshTokenString {
		manager.metrics.Increment(MetricRefreshRejected)
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", ErrTokenMismatch)
	}

	identity, found, lookupErr := manager.identities.FindByEmail(ctx, claims.Email)
	if lookupErr != nil {
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", lookupErr)
	}
	if !found {
		manager.metrics.Increment(MetricRefreshRejected)
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", ErrNoActiveSession)
	}

	accessToken, accessErr := manager.codec.IssueAccess(identity)
	if accessErr != nil {
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", accessErr)
	}

	nextRefreshToken := refreshTokenString
	remaining, remainingErr := manager.codec.RemainingLifetime(refreshTokenString)
	if remainingErr != nil {
		return AuthSession{}, fmt.Errorf("credential.refresh: %w", remainingErr)
	}
	if remaining < manager.rotationThreshold {
		rotated, rotateErr := manager.codec.IssueRefresh(identity)
		if rotateErr != nil {
			return AuthSession{}, fmt.Errorf("credential.refresh: %w", rotateErr)
		}
		if putErr := manager.sessions.Put(ctx, identity.Email, rotated); putErr != nil {
			return AuthSession{}, fmt.Errorf("credential.refresh: %w", putErr)
		}
		nextRefreshToken = rotated
		manager.metrics.Increment(MetricRefreshRotated)
	} else {
		manager.metrics.Increment(MetricRefreshReused)
	}

	return AuthSession{
		SubjectID:    identity.ID,
		Email:        identity.Email,
		AccessToken:  accessToken,
		RefreshToken: nextRefreshToken,
	}, nil
}

// Logout drops the subject's session and blacklists the presented access
// token for its remaining lifetime. Calling it twice is safe: the second call
// deletes an absent session and revokes a token with no lifetime left, both
// no-ops.
func (manager *CredentialManager) Logout(ctx context.Context, email string, presentedAccessToken string) error {
	if deleteErr := manager.sessions.Delete(ctx, email); deleteErr != nil {
		return fmt.Errorf("credential.logout: %w", deleteErr)
	}
	remaining, remainingErr := manager.codec.RemainingLifetime(presentedAccessToken)
	if remainingErr != nil {
		// A token we cannot parse cannot be replayed against the verifier;
		// the session deletion above is the part that must not be skipped.
		manager.metrics.Increment(MetricLogout)
		return nil
	}
	if revokeErr := manager.revocations.Revoke(ctx, presentedAccessToken, remaining); revokeErr != nil {
		return fmt.Errorf("credential.logout: %w", revokeErr)
	}
	manager.metrics.Increment(MetricLogout)
	return nil
}

// Authenticate verifies an access token for a protected request: signature
// and expiry first, then the revocation check. The order matters; a token can
// be syntactically valid yet revoked.
func (manager *CredentialManager) Authenticate(ctx context.Context, accessTokenString string) (*Claims, error) {
	claims, parseErr := manager.codec.Parse(accessTokenString)
	if parseErr != nil {
		manager.metrics.Increment(MetricAuthRejected)
		return nil, fmt.Errorf("credential.authenticate: %w", parseErr)
	}
	revoked, revokedErr := manager.revocations.IsRevoked(ctx, accessTokenString)
	if revokedErr != nil {
		return nil, fmt.Errorf("credential.authenticate: %w", revokedErr)
	}
	if revoked {
		manager.metrics.Increment(MetricAuthRejected)
		return nil, fmt.Errorf("credential.authenticate: %w", ErrRevoked)
	}
	return claims, nil
}

// IssueVerificationChallenge generates a one-time code, mails it to the
// subject, and records the challenge. Dispatch success gates the store write:
// a code the user never received is never recorded, so a failed dispatch
// leaves any previous challenge untouched.
func (manager *CredentialManager) IssueVerificationChallenge(ctx context.Context, subjectID int64, companyName string) error {
	identity, found, lookupErr := manager.identities.FindByID(ctx, subjectID)
	if lookupErr != nil {
		return fmt.Errorf("credential.issue_challenge: %w", lookupErr)
	}
	if !found {
		return fmt.Errorf("credential.issue_challenge: %w", ErrInvalidCredentials)
	}
	code, codeErr := randomChallengeCode()
	if codeErr != nil {
		return fmt.Errorf("credential.issue_challenge: %w", codeErr)
	}
	body := fmt.Sprintf(verificationMailBody, code)
	if sendErr := manager.dispatcher.Send(ctx, identity.Email, verificationMailSubject, body); sendErr != nil {
		manager.logger.Warn("verification mail dispatch failed",
			zap.Int64("subject_id", subjectID), zap.Error(sendErr))
		return fmt.Errorf("credential.issue_challenge: %w", ErrDispatchFailed)
	}
	now := manager.clock.Now()
	challenge := Challenge{
		Code:        code,
		CompanyName: companyName,
		IssuedAt:    now,
	}
	if manager.challengeTTL > 0 {
		challenge.ExpiresAt = now.Add(manager.challengeTTL)
	}
	if issueErr := manager.challenges.Issue(ctx, subjectID, challenge); issueErr != nil {
		return fmt.Errorf("credential.issue_challenge: %w", issueErr)
	}
	manager.metrics.Increment(MetricChallengeIssued)
	return nil
}

// VerifyChallenge compares the user's input against the outstanding challenge
// by value. A match consumes the challenge and returns the claimed company
// name for the caller to persist; a mismatch leaves the challenge in place so
// the user may retry without re-requesting a code.
func (manager *CredentialManager) VerifyChallenge(ctx context.Context, subjectID int64, userInputCode int) (string, error) {
	challenge, found, getErr := manager.challenges.Get(ctx, subjectID)
	if getErr != nil {
		return "", fmt.Errorf("credential.verify_challenge: %w", getErr)
	}
	if !found {
		manager.metrics.Increment(MetricChallengeFailed)
		return "", fmt.Errorf("credential.verify_challenge: %w", ErrNoChallenge)
	}
	if challenge.Code != userInputCode {
		manager.metrics.Increment(MetricChallengeFailed)
		return "", fmt.Errorf("credential.verify_challenge: %w", ErrMismatchedCode)
	}
	if consumeErr := manager.challenges.Consume(ctx, subjectID); consumeErr != nil {
		return "", fmt.Errorf("credential.verify_challenge: %w", consumeErr)
	}
	manager.metrics.Increment(MetricChallengeVerified)
	return challenge.CompanyName, nil
}

// EmailStatus probes whether an email is free for registration, owned by an
// external-provider account, or already taken by a local account.
func (manager *CredentialManager) EmailStatus(ctx context.Context, email string) (string, error) {
	identity, found, lookupErr := manager.identities.FindByEmail(ctx, email)
	if lookupErr != nil {
		return "", fmt.Errorf("credential.email_status: %w", lookupErr)
	}
	if !found {
		return EmailStatusValid, nil
	}
	if _, isExternal := identity.Credential.(ExternalCredential); isExternal {
		return EmailStatusExternal, nil
	}
	return EmailStatusConflict, nil
}

// CompanyStatus reports the subject's persisted company association.
func (manager *CredentialManager) CompanyStatus(ctx context.Context, subjectID int64) (string, error) {
	identity, found, lookupErr := manager.identities.FindByID(ctx, subjectID)
	if lookupErr != nil {
		return "", fmt.Errorf("credential.company_status: %w", lookupErr)
	}
	if !found {
		return "", fmt.Errorf("credential.company_status: %w", ErrInvalidCredentials)
	}
	switch identity.CompanyName {
	case "":
		return CompanyStatusAsk, nil
	case CompanyNoRequest:
		return CompanyStatusNoRequest, nil
	default:
		return identity.CompanyName, nil
	}
}

func randomChallengeCode() (int, error) {
	offset, err := rand.Int(rand.Reader, big.NewInt(challengeCodeSpan))
	if err != nil {
		return 0, err
	}
	return challengeCodeMin + int(offset.Int64()), nil
}
