package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationStore records login tokens invalidated before their natural
// expiry. Entries are only needed until the token would have expired.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type revocationEntry struct {
	ExpiresAt time.Time
	UserID    int64
}

// MemoryRevocationStore keeps revocations in process memory. It is only
// correct for a single server instance; use the PostgreSQL store otherwise.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]revocationEntry
	now     func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]revocationEntry),
		now:     time.Now,
	}
}

// Revoke adds jti and drops entries whose tokens have already expired.
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, userID int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()
	s.entries[jti] = revocationEntry{ExpiresAt: expiresAt, UserID: userID}
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[jti]
	if !ok {
		return false, nil
	}
	return s.now().Before(entry.ExpiresAt), nil
}

// Count returns the number of tracked revocations.
func (s *MemoryRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryRevocationStore) cleanupLocked() {
	now := s.now()
	for jti, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, jti)
		}
	}
}
