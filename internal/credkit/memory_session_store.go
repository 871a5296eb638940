package credkit

import (
	"context"
	"sync"
)

// MemorySessionStore is an in-memory session store intended for tests and dev.
type MemorySessionStore struct {
	mutex   sync.Mutex
	byEmail map[string]string
}

// NewMemorySessionStore constructs an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{byEmail: make(map[string]string)}
}

// Put stores the refresh token for the email, replacing any previous value.
func (store *MemorySessionStore) Put(ctx context.Context, email string, refreshToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byEmail[email] = refreshToken
	return nil
}

// Get returns the stored refresh token for the email.
func (store *MemorySessionStore) Get(ctx context.Context, email string) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	refreshToken, ok := store.byEmail[email]
	return refreshToken, ok, nil
}

// Delete removes the session for the email; absent keys are a no-op.
func (store *MemorySessionStore) Delete(ctx context.Context, email string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.byEmail, email)
	return nil
}
