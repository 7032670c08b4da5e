// Package challenge stores pending ceremony state between the begin and
// finish halves of a WebAuthn ceremony.
//
// Entries are single-use and process-local. Durability across restarts is
// deliberately absent; a ceremony in flight at restart fails and the client
// retries from the beginning.
package challenge

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
)

// ErrChallengeMissing indicates the ceremony state is absent, expired, or
// already consumed. Always non-fatal; the caller restarts the ceremony.
var ErrChallengeMissing = apperrors.New(apperrors.CodeChallengeMissing, "challenge missing or expired")

// Store holds pending ceremony state keyed by ceremony key.
type Store interface {
	// Put stores ceremony state under key, replacing any existing entry for
	// that key. The replaced ceremony is silently invalidated.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// TakeAndInvalidate atomically retrieves and deletes the entry so no
	// second reader ever observes it. Absent or expired entries yield
	// ErrChallengeMissing.
	TakeAndInvalidate(ctx context.Context, key string) ([]byte, error)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-process challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock replaces the store clock. Intended for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Put stores ceremony state, replacing any pending ceremony for the key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.CodeUnknown, "ceremony key is required")
	}
	if ttl <= 0 {
		return apperrors.New(apperrors.CodeUnknown, "challenge ttl must be positive")
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		value:     stored,
		expiresAt: s.clock().Add(ttl),
	}
	return nil
}

// TakeAndInvalidate removes and returns the entry for key. Exactly one of
// any set of concurrent callers observes the value.
func (s *MemoryStore) TakeAndInvalidate(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrChallengeMissing
	}
	delete(s.entries, key)

	if !s.clock().Before(entry.expiresAt) {
		return nil, ErrChallengeMissing
	}
	return entry.value, nil
}

// StartSweeper removes expired entries periodically until ctx is canceled.
// Expired entries are already unreadable without it; the sweeper only keeps
// abandoned ceremonies from accumulating.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
