package credkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeIdentityStore struct {
	byEmail map[string]Identity
	byID    map[int64]Identity
}

func newFakeIdentityStore(identities ...Identity) *fakeIdentityStore {
	store := &fakeIdentityStore{
		byEmail: make(map[string]Identity),
		byID:    make(map[int64]Identity),
	}
	for _, identity := range identities {
		store.byEmail[identity.Email] = identity
		store.byID[identity.ID] = identity
	}
	return store
}

func (store *fakeIdentityStore) FindByEmail(ctx context.Context, email string) (Identity, bool, error) {
	identity, ok := store.byEmail[email]
	return identity, ok, nil
}

func (store *fakeIdentityStore) FindByID(ctx context.Context, subjectID int64) (Identity, bool, error) {
	identity, ok := store.byID[subjectID]
	return identity, ok, nil
}

type fakeDispatcher struct {
	failWith   error
	sentTo     []string
	lastBody   string
	lastTopic  string
	sendCalled int
}

func (dispatcher *fakeDispatcher) Send(ctx context.Context, recipientEmail string, subject string, body string) error {
	dispatcher.sendCalled++
	if dispatcher.failWith != nil {
		return dispatcher.failWith
	}
	dispatcher.sentTo = append(dispatcher.sentTo, recipientEmail)
	dispatcher.lastTopic = subject
	dispatcher.lastBody = body
	return nil
}

// lastCode extracts the 4-digit code from the most recent mail body.
func (dispatcher *fakeDispatcher) lastCode(t *testing.T) int {
	t.Helper()
	lines := strings.Split(dispatcher.lastBody, "\n")
	code, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil {
		t.Fatalf("mail body carries no code: %q", dispatcher.lastBody)
	}
	return code
}

type managerHarness struct {
	manager    *CredentialManager
	codec      *TokenCodec
	clock      *manualClock
	sessions   *MemorySessionStore
	challenges *MemoryChallengeStore
	dispatcher *fakeDispatcher
	metrics    *CounterMetrics
}

const (
	testPassword = "correct horse battery staple"
	testEmail    = "worker@example.com"
)

func newManagerHarness(t *testing.T, identities ...Identity) *managerHarness {
	t.Helper()
	clock := newManualClock()

	if len(identities) == 0 {
		passwordHash, hashErr := HashPassword(testPassword)
		if hashErr != nil {
			t.Fatalf("failed to hash password: %v", hashErr)
		}
		identities = []Identity{{
			ID:         41,
			Email:      testEmail,
			Credential: LocalCredential{PasswordHash: passwordHash},
		}}
	}

	configuration := ServerConfig{
		SigningKey:        []byte("harness-signing-secret"),
		Issuer:            "pickauth-test",
		AccessTTL:         30 * time.Minute,
		RefreshTTL:        14 * 24 * time.Hour,
		RotationThreshold: 3 * 24 * time.Hour,
	}
	codec, codecErr := NewTokenCodec(configuration, clock)
	if codecErr != nil {
		t.Fatalf("failed to build codec: %v", codecErr)
	}

	sessions := NewMemorySessionStore()
	challenges := NewMemoryChallengeStore(clock)
	dispatcher := &fakeDispatcher{}
	metrics := NewCounterMetrics()

	manager, managerErr := NewCredentialManager(configuration, codec, Stores{
		Sessions:    sessions,
		Revocations: NewMemoryRevocationStore(clock),
		Challenges:  challenges,
	}, Collaborators{
		Identities: newFakeIdentityStore(identities...),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Clock:      clock,
	})
	if managerErr != nil {
		t.Fatalf("failed to build manager: %v", managerErr)
	}

	return &managerHarness{
		manager:    manager,
		codec:      codec,
		clock:      clock,
		sessions:   sessions,
		challenges: challenges,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func TestLoginIssuesTokenPairAndStoresRefresh(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, loginErr := harness.manager.Login(ctx, testEmail, testPassword)
	if loginErr != nil {
		t.Fatalf("failed to login: %v", loginErr)
	}
	if session.SubjectID != 41 || session.Email != testEmail {
		t.Fatalf("unexpected session identity: %+v", session)
	}

	stored, found, _ := harness.sessions.Get(ctx, testEmail)
	if !found || stored != session.RefreshToken {
		t.Fatalf("expected stored refresh token to match issued one")
	}

	if _, authErr := harness.manager.Authenticate(ctx, session.AccessToken); authErr != nil {
		t.Fatalf("expected fresh access token to authenticate, got %v", authErr)
	}
	if harness.metrics.Count(MetricLoginSuccess) != 1 {
		t.Fatalf("expected a login_success count")
	}
}

func TestLoginRejectsUnknownEmail(t *testing.T) {
	harness := newManagerHarness(t)

	_, loginErr := harness.manager.Login(context.Background(), "stranger@example.com", testPassword)
	if !errors.Is(loginErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", loginErr)
	}
	if harness.metrics.Count(MetricLoginFailure) != 1 {
		t.Fatalf("expected a login_failure count")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	harness := newManagerHarness(t)

	_, loginErr := harness.manager.Login(context.Background(), testEmail, "wrong")
	if !errors.Is(loginErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", loginErr)
	}
}

func TestLoginRejectsExternalProviderAccount(t *testing.T) {
	harness := newManagerHarness(t, Identity{
		ID:         9,
		Email:      "oauth@example.com",
		Credential: ExternalCredential{Provider: ProviderGoogle},
	})

	_, loginErr := harness.manager.Login(context.Background(), "oauth@example.com", "any password")
	if !errors.Is(loginErr, ErrInvalidCredentials) {
		t.Fatalf("expected external account to fail password login, got %v", loginErr)
	}
}

func TestLoginExternalMatchesProvider(t *testing.T) {
	harness := newManagerHarness(t, Identity{
		ID:         9,
		Email:      "oauth@example.com",
		Credential: ExternalCredential{Provider: ProviderGoogle},
	})
	ctx := context.Background()

	session, loginErr := harness.manager.LoginExternal(ctx, "oauth@example.com", ProviderGoogle)
	if loginErr != nil {
		t.Fatalf("failed external login: %v", loginErr)
	}
	if session.SubjectID != 9 {
		t.Fatalf("unexpected subject id %d", session.SubjectID)
	}

	if _, mismatchErr := harness.manager.LoginExternal(ctx, "oauth@example.com", "GITHUB"); !errors.Is(mismatchErr, ErrInvalidCredentials) {
		t.Fatalf("expected provider mismatch to fail, got %v", mismatchErr)
	}
}

func TestSecondLoginInvalidatesFirstDeviceRefresh(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	firstDevice, loginErr := harness.manager.Login(ctx, testEmail, testPassword)
	if loginErr != nil {
		t.Fatalf("failed first login: %v", loginErr)
	}
	if _, loginErr = harness.manager.Login(ctx, testEmail, testPassword); loginErr != nil {
		t.Fatalf("failed second login: %v", loginErr)
	}

	_, refreshErr := harness.manager.Refresh(ctx, firstDevice.RefreshToken)
	if !errors.Is(refreshErr, ErrTokenMismatch) {
		t.Fatalf("expected first device refresh to be rejected, got %v", refreshErr)
	}
}

func TestRefreshKeepsTokenOutsideRotationThreshold(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, _ := harness.manager.Login(ctx, testEmail, testPassword)

	harness.clock.Advance(24 * time.Hour)

	refreshed, refreshErr := harness.manager.Refresh(ctx, session.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("failed to refresh: %v", refreshErr)
	}
	if refreshed.RefreshToken != session.RefreshToken {
		t.Fatalf("expected refresh token reuse outside the rotation threshold")
	}
	if refreshed.AccessToken == session.AccessToken {
		t.Fatalf("expected a fresh access token on every refresh")
	}
	if harness.metrics.Count(MetricRefreshReused) != 1 {
		t.Fatalf("expected a refresh_reused count")
	}
}

func TestRefreshRotatesInsideRotationThreshold(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, _ := harness.manager.Login(ctx, testEmail, testPassword)

	// 14d lifetime, 3d threshold: 12d in leaves 2d remaining.
	harness.clock.Advance(12 * 24 * time.Hour)

	refreshed, refreshErr := harness.manager.Refresh(ctx, session.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("failed to refresh: %v", refreshErr)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatalf("expected rotation inside the threshold")
	}

	stored, found, _ := harness.sessions.Get(ctx, testEmail)
	if !found || stored != refreshed.RefreshToken {
		t.Fatalf("expected the rotated token to replace the stored one")
	}

	if _, replayErr := harness.manager.Refresh(ctx, session.RefreshToken); !errors.Is(replayErr, ErrTokenMismatch) {
		t.Fatalf("expected rotated-out token to be rejected, got %v", replayErr)
	}
	if harness.metrics.Count(MetricRefreshRotated) != 1 {
		t.Fatalf("expected a refresh_rotated count")
	}
}

func TestRefreshWithoutSessionFails(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	refreshToken, issueErr := harness.codec.IssueRefresh(Identity{ID: 41, Email: testEmail})
	if issueErr != nil {
		t.Fatalf("failed to issue token: %v", issueErr)
	}

	_, refreshErr := harness.manager.Refresh(ctx, refreshToken)
	if !errors.Is(refreshErr, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", refreshErr)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, _ := harness.manager.Login(ctx, testEmail, testPassword)

	harness.clock.Advance(15 * 24 * time.Hour)

	_, refreshErr := harness.manager.Refresh(ctx, session.RefreshToken)
	if !errors.Is(refreshErr, ErrInvalidToken) {
		t.Fatalf("expected expired refresh token to classify as invalid, got %v", refreshErr)
	}
}

func TestLogoutRevokesAccessUntilNaturalExpiry(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, _ := harness.manager.Login(ctx, testEmail, testPassword)

	if logoutErr := harness.manager.Logout(ctx, testEmail, session.AccessToken); logoutErr != nil {
		t.Fatalf("failed to logout: %v", logoutErr)
	}

	_, authErr := harness.manager.Authenticate(ctx, session.AccessToken)
	if !errors.Is(authErr, ErrRevoked) {
		t.Fatalf("expected revoked token, got %v", authErr)
	}

	if _, refreshErr := harness.manager.Refresh(ctx, session.RefreshToken); !errors.Is(refreshErr, ErrNoActiveSession) {
		t.Fatalf("expected logout to drop the session, got %v", refreshErr)
	}

	// Past the token's own expiry the failure mode shifts from revoked to
	// expired; the blacklist entry has lapsed with it.
	harness.clock.Advance(31 * time.Minute)
	_, authErr = harness.manager.Authenticate(ctx, session.AccessToken)
	if !errors.Is(authErr, ErrTokenExpired) {
		t.Fatalf("expected expired token after the ttl, got %v", authErr)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	session, _ := harness.manager.Login(ctx, testEmail, testPassword)

	if err := harness.manager.Logout(ctx, testEmail, session.AccessToken); err != nil {
		t.Fatalf("failed first logout: %v", err)
	}
	if err := harness.manager.Logout(ctx, testEmail, session.AccessToken); err != nil {
		t.Fatalf("expected repeated logout to succeed, got %v", err)
	}
}

func TestLogoutToleratesUnparsableToken(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if _, err := harness.manager.Login(ctx, testEmail, testPassword); err != nil {
		t.Fatalf("failed to login: %v", err)
	}
	if err := harness.manager.Logout(ctx, testEmail, "garbage"); err != nil {
		t.Fatalf("expected logout with garbage token to still drop the session, got %v", err)
	}
	if _, found, _ := harness.sessions.Get(ctx, testEmail); found {
		t.Fatalf("expected session to be gone")
	}
}

func TestAuthenticateRejectsMalformedToken(t *testing.T) {
	harness := newManagerHarness(t)

	_, authErr := harness.manager.Authenticate(context.Background(), "not-a-token")
	if !errors.Is(authErr, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", authErr)
	}
}

func TestIssueChallengeMailsCodeAndRecordsIt(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme GmbH"); err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}

	if len(harness.dispatcher.sentTo) != 1 || harness.dispatcher.sentTo[0] != testEmail {
		t.Fatalf("expected mail to the subject's address, got %v", harness.dispatcher.sentTo)
	}
	mailedCode := harness.dispatcher.lastCode(t)
	if mailedCode < 1000 || mailedCode >= 10000 {
		t.Fatalf("expected a 4-digit code, got %d", mailedCode)
	}

	challenge, found, _ := harness.challenges.Get(ctx, 41)
	if !found {
		t.Fatalf("expected a recorded challenge")
	}
	if challenge.Code != mailedCode || challenge.CompanyName != "Acme GmbH" {
		t.Fatalf("recorded challenge diverges from the mailed one: %+v", challenge)
	}
}

func TestIssueChallengeUnknownSubjectFails(t *testing.T) {
	harness := newManagerHarness(t)

	err := harness.manager.IssueVerificationChallenge(context.Background(), 999, "Acme")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown subject, got %v", err)
	}
}

func TestIssueChallengeDispatchFailureLeavesStoreUntouched(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme"); err != nil {
		t.Fatalf("failed to issue first challenge: %v", err)
	}
	previous, _, _ := harness.challenges.Get(ctx, 41)

	harness.dispatcher.failWith = fmt.Errorf("relay down")

	err := harness.manager.IssueVerificationChallenge(ctx, 41, "Beta")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}

	current, found, _ := harness.challenges.Get(ctx, 41)
	if !found || current != previous {
		t.Fatalf("expected the failed dispatch to leave the prior challenge in place")
	}
}

func TestFailedDispatchLeavesNothingToVerify(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	harness.dispatcher.failWith = fmt.Errorf("relay down")

	issueErr := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme")
	if !errors.Is(issueErr, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", issueErr)
	}

	if _, verifyErr := harness.manager.VerifyChallenge(ctx, 41, 1234); !errors.Is(verifyErr, ErrNoChallenge) {
		t.Fatalf("expected no challenge after a failed dispatch, got %v", verifyErr)
	}
}

func TestVerifyChallengeConsumesOnMatch(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme GmbH"); err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	code := harness.dispatcher.lastCode(t)

	companyName, verifyErr := harness.manager.VerifyChallenge(ctx, 41, code)
	if verifyErr != nil {
		t.Fatalf("failed to verify challenge: %v", verifyErr)
	}
	if companyName != "Acme GmbH" {
		t.Fatalf("expected claimed company name back, got %q", companyName)
	}

	if _, secondErr := harness.manager.VerifyChallenge(ctx, 41, code); !errors.Is(secondErr, ErrNoChallenge) {
		t.Fatalf("expected consumed challenge to be gone, got %v", secondErr)
	}
}

func TestVerifyChallengeMismatchAllowsRetry(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme"); err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	code := harness.dispatcher.lastCode(t)

	wrongCode := code + 1
	if wrongCode >= 10000 {
		wrongCode = 1000
	}
	if _, mismatchErr := harness.manager.VerifyChallenge(ctx, 41, wrongCode); !errors.Is(mismatchErr, ErrMismatchedCode) {
		t.Fatalf("expected ErrMismatchedCode, got %v", mismatchErr)
	}

	if _, retryErr := harness.manager.VerifyChallenge(ctx, 41, code); retryErr != nil {
		t.Fatalf("expected retry with the correct code to succeed, got %v", retryErr)
	}
}

func TestVerifyChallengeWithoutOutstandingOne(t *testing.T) {
	harness := newManagerHarness(t)

	_, verifyErr := harness.manager.VerifyChallenge(context.Background(), 41, 1234)
	if !errors.Is(verifyErr, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", verifyErr)
	}
}

func TestReissueSupersedesPriorChallenge(t *testing.T) {
	harness := newManagerHarness(t)
	ctx := context.Background()

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Acme"); err != nil {
		t.Fatalf("failed to issue first challenge: %v", err)
	}
	firstCode := harness.dispatcher.lastCode(t)

	if err := harness.manager.IssueVerificationChallenge(ctx, 41, "Beta"); err != nil {
		t.Fatalf("failed to issue second challenge: %v", err)
	}
	secondCode := harness.dispatcher.lastCode(t)

	if firstCode != secondCode {
		if _, staleErr := harness.manager.VerifyChallenge(ctx, 41, firstCode); !errors.Is(staleErr, ErrMismatchedCode) {
			t.Fatalf("expected the superseded code to mismatch, got %v", staleErr)
		}
	}

	companyName, verifyErr := harness.manager.VerifyChallenge(ctx, 41, secondCode)
	if verifyErr != nil {
		t.Fatalf("failed to verify superseding challenge: %v", verifyErr)
	}
	if companyName != "Beta" {
		t.Fatalf("expected the latest claimed company, got %q", companyName)
	}
}

func TestRandomChallengeCodeStaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := randomChallengeCode()
		if err != nil {
			t.Fatalf("failed to draw code: %v", err)
		}
		if code < 1000 || code >= 10000 {
			t.Fatalf("code %d out of the 4-digit range", code)
		}
	}
}

func TestEmailStatusProbe(t *testing.T) {
	passwordHash, _ := HashPassword(testPassword)
	harness := newManagerHarness(t,
		Identity{ID: 1, Email: "local@example.com", Credential: LocalCredential{PasswordHash: passwordHash}},
		Identity{ID: 2, Email: "oauth@example.com", Credential: ExternalCredential{Provider: ProviderGoogle}},
	)
	ctx := context.Background()

	cases := []struct {
		email    string
		expected string
	}{
		{"fresh@example.com", EmailStatusValid},
		{"oauth@example.com", EmailStatusExternal},
		{"local@example.com", EmailStatusConflict},
	}
	for _, testCase := range cases {
		status, statusErr := harness.manager.EmailStatus(ctx, testCase.email)
		if statusErr != nil {
			t.Fatalf("failed probe for %q: %v", testCase.email, statusErr)
		}
		if status != testCase.expected {
			t.Fatalf("expected %q for %q, got %q", testCase.expected, testCase.email, status)
		}
	}
}

func TestCompanyStatusVariants(t *testing.T) {
	passwordHash, _ := HashPassword(testPassword)
	harness := newManagerHarness(t,
		Identity{ID: 1, Email: "a@example.com", Credential: LocalCredential{PasswordHash: passwordHash}},
		Identity{ID: 2, Email: "b@example.com", Credential: LocalCredential{PasswordHash: passwordHash}, CompanyName: CompanyNoRequest},
		Identity{ID: 3, Email: "c@example.com", Credential: LocalCredential{PasswordHash: passwordHash}, CompanyName: "Acme GmbH"},
	)
	ctx := context.Background()

	cases := []struct {
		subjectID int64
		expected  string
	}{
		{1, CompanyStatusAsk},
		{2, CompanyStatusNoRequest},
		{3, "Acme GmbH"},
	}
	for _, testCase := range cases {
		status, statusErr := harness.manager.CompanyStatus(ctx, testCase.subjectID)
		if statusErr != nil {
			t.Fatalf("failed company status for %d: %v", testCase.subjectID, statusErr)
		}
		if status != testCase.expected {
			t.Fatalf("expected %q for subject %d, got %q", testCase.expected, testCase.subjectID, status)
		}
	}

	if _, statusErr := harness.manager.CompanyStatus(ctx, 999); !errors.Is(statusErr, ErrInvalidCredentials) {
		t.Fatalf("expected unknown subject to fail, got %v", statusErr)
	}
}

func TestNewCredentialManagerValidatesDependencies(t *testing.T) {
	configuration := ServerConfig{SigningKey: []byte("k")}
	codec, _ := NewTokenCodec(configuration, nil)
	stores := Stores{
		Sessions:    NewMemorySessionStore(),
		Revocations: NewMemoryRevocationStore(nil),
		Challenges:  NewMemoryChallengeStore(nil),
	}
	collaborators := Collaborators{
		Identities: newFakeIdentityStore(),
		Dispatcher: &fakeDispatcher{},
	}

	if _, err := NewCredentialManager(configuration, nil, stores, collaborators); err == nil {
		t.Fatalf("expected nil codec to be rejected")
	}
	if _, err := NewCredentialManager(configuration, codec, Stores{}, collaborators); err == nil {
		t.Fatalf("expected incomplete stores to be rejected")
	}
	if _, err := NewCredentialManager(configuration, codec, stores, Collaborators{Dispatcher: &fakeDispatcher{}}); err == nil {
		t.Fatalf("expected nil identity store to be rejected")
	}
	if _, err := NewCredentialManager(configuration, codec, stores, Collaborators{Identities: newFakeIdentityStore()}); err == nil {
		t.Fatalf("expected nil dispatcher to be rejected")
	}

	manager, err := NewCredentialManager(configuration, codec, stores, collaborators)
	if err != nil {
		t.Fatalf("expected defaults to fill optional collaborators, got %v", err)
	}
	if manager.rotationThreshold != DefaultRotationThreshold {
		t.Fatalf("expected default rotation threshold, got %v", manager.rotationThreshold)
	}
}
