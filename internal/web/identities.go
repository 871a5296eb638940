package web

import (
	"context"
	"sync"

	"github.com/pickit/pickauth/internal/credkit"
)

// InMemoryIdentities is a simple identity store used for demo and local runs.
// The real deployment supplies the account service's store instead.
type InMemoryIdentities struct {
	mutex   sync.RWMutex
	byEmail map[string]credkit.Identity
	byID    map[int64]credkit.Identity
	nextID  int64
}

// NewInMemoryIdentities constructs an empty identity store.
func NewInMemoryIdentities() *InMemoryIdentities {
	return &InMemoryIdentities{
		byEmail: make(map[string]credkit.Identity),
		byID:    make(map[int64]credkit.Identity),
		nextID:  1,
	}
}

// SeedLocal adds a password-backed account and returns its id.
func (store *InMemoryIdentities) SeedLocal(email string, rawPassword string) (int64, error) {
	passwordHash, hashErr := credkit.HashPassword(rawPassword)
	if hashErr != nil {
		return 0, hashErr
	}
	return store.seed(credkit.Identity{
		Email:      email,
		Credential: credkit.LocalCredential{PasswordHash: passwordHash},
	}), nil
}

// SeedExternal adds an account owned by an external login provider.
func (store *InMemoryIdentities) SeedExternal(email string, provider string) int64 {
	return store.seed(credkit.Identity{
		Email:      email,
		Credential: credkit.ExternalCredential{Provider: provider},
	})
}

func (store *InMemoryIdentities) seed(identity credkit.Identity) int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identity.ID = store.nextID
	store.nextID++
	store.byEmail[identity.Email] = identity
	store.byID[identity.ID] = identity
	return identity.ID
}

// SetCompany records a verified company association for the subject.
func (store *InMemoryIdentities) SetCompany(subjectID int64, companyName string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identity, ok := store.byID[subjectID]
	if !ok {
		return
	}
	identity.CompanyName = companyName
	store.byID[subjectID] = identity
	store.byEmail[identity.Email] = identity
}

// FindByEmail returns the identity registered under the email.
func (store *InMemoryIdentities) FindByEmail(ctx context.Context, email string) (credkit.Identity, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	identity, ok := store.byEmail[email]
	return identity, ok, nil
}

// FindByID returns the identity registered under the subject id.
func (store *InMemoryIdentities) FindByID(ctx context.Context, subjectID int64) (credkit.Identity, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	identity, ok := store.byID[subjectID]
	return identity, ok, nil
}
