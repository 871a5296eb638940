package credkit

import (
	"context"
	"sync"
)

// MemoryChallengeStore is an in-memory verification-challenge store intended
// for tests and dev.
type MemoryChallengeStore struct {
	mutex     sync.Mutex
	bySubject map[int64]Challenge
	clock     Clock
}

// NewMemoryChallengeStore constructs an empty in-memory challenge store.
func NewMemoryChallengeStore(clock Clock) *MemoryChallengeStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryChallengeStore{
		bySubject: make(map[int64]Challenge),
		clock:     clock,
	}
}

// Issue replaces any outstanding challenge for the subject with the new one.
func (store *MemoryChallengeStore) Issue(ctx context.Context, subjectID int64, challenge Challenge) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.bySubject, subjectID)
	store.bySubject[subjectID] = challenge
	return nil
}

// Get returns the outstanding challenge for the subject. Lapsed challenges
// are treated as absent and dropped.
func (store *MemoryChallengeStore) Get(ctx context.Context, subjectID int64) (Challenge, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	challenge, ok := store.bySubject[subjectID]
	if !ok {
		return Challenge{}, false, nil
	}
	if challenge.Expired(store.clock.Now()) {
		delete(store.bySubject, subjectID)
		return Challenge{}, false, nil
	}
	return challenge, true, nil
}

// Consume removes the subject's challenge; absent keys are a no-op.
func (store *MemoryChallengeStore) Consume(ctx context.Context, subjectID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.bySubject, subjectID)
	return nil
}
