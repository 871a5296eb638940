package credkit

import (
	"context"
	"sync"
	"time"
)

// MemoryRevocationStore is an in-memory access-token blacklist. Expiry is
// enforced lazily: reads never report an entry past its ttl, and every write
// purges lapsed entries so the map stays bounded by the number of
// concurrently-valid revoked tokens.
type MemoryRevocationStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	clock   Clock
}

// NewMemoryRevocationStore constructs an empty in-memory revocation store.
func NewMemoryRevocationStore(clock Clock) *MemoryRevocationStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

// Revoke records the token until now+ttl. A non-positive ttl is a no-op.
func (store *MemoryRevocationStore) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[tokenString] = store.clock.Now().Add(ttl)
	return nil
}

// IsRevoked reports whether the token is currently revoked.
func (store *MemoryRevocationStore) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[tokenString]
	if !ok {
		return false, nil
	}
	if store.clock.Now().After(expiry) {
		delete(store.entries, tokenString)
		return false, nil
	}
	return true, nil
}

func (store *MemoryRevocationStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for tokenString, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, tokenString)
		}
	}
}
