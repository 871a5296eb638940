package credkit

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// CompanyNoRequest marks an account that explicitly declined company
// verification, as opposed to one that was never asked.
const CompanyNoRequest = "NO_REQUEST"

// Identity is the read-only account record the credential core operates on.
// It is owned by the account collaborator and treated as immutable during a
// single operation.
type Identity struct {
	ID          int64
	Email       string
	Credential  Credential
	CompanyName string
}

// Credential is the tagged login variant carried by an Identity.
type Credential interface {
	credentialTag()
}

// LocalCredential is a password-backed account. The hash format is opaque to
// the core and interpreted only by a PasswordVerifier.
type LocalCredential struct {
	PasswordHash string
}

func (LocalCredential) credentialTag() {}

// ExternalCredential is an account owned by an external login provider; such
// accounts have no local password and fail password login.
type ExternalCredential struct {
	Provider string
}

func (ExternalCredential) credentialTag() {}

// IdentityStore looks up account records. Supplied by the out-of-scope account
// collaborator.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (Identity, bool, error)
	FindByID(ctx context.Context, subjectID int64) (Identity, bool, error)
}

// PasswordVerifier checks a raw password against a stored verifier string.
type PasswordVerifier interface {
	Matches(rawPassword string, storedVerifier string) bool
}

// BcryptVerifier verifies bcrypt password hashes.
type BcryptVerifier struct{}

// Matches reports whether rawPassword matches the bcrypt hash.
func (BcryptVerifier) Matches(rawPassword string, storedVerifier string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedVerifier), []byte(rawPassword)) == nil
}

// HashPassword produces a bcrypt verifier string for seeding identity stores.
func HashPassword(rawPassword string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(rawPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
