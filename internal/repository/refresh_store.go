package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrTokenNotFound = errors.New("refresh token not found")

// RefreshStore tracks the refresh tokens that may currently be exchanged.
// Membership is required in addition to a valid signature.
type RefreshStore interface {
	Record(ctx context.Context, token string, expiresAt time.Time) error
	IsValid(ctx context.Context, token string) (bool, error)
	Revoke(ctx context.Context, token string) error
	// Rotate atomically invalidates oldToken and records newToken. It fails
	// with ErrTokenNotFound, recording nothing, when oldToken is not valid.
	Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) error
}

// tokenDigest keys stores by a hash so raw tokens are never kept at rest.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryRefreshStore is the single-process backend. State lives for the
// lifetime of the process only.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
	logger  *logrus.Logger
}

func NewMemoryRefreshStore(logger *logrus.Logger) *MemoryRefreshStore {
	return &MemoryRefreshStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source used for expiry checks.
func (s *MemoryRefreshStore) WithClock(now func() time.Time) *MemoryRefreshStore {
	s.now = now
	return s
}

func (s *MemoryRefreshStore) Record(_ context.Context, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[tokenDigest(token)] = expiresAt
	return nil
}

func (s *MemoryRefreshStore) IsValid(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validLocked(tokenDigest(token)), nil
}

func (s *MemoryRefreshStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, tokenDigest(token))
	return nil
}

func (s *MemoryRefreshStore) Rotate(_ context.Context, oldToken, newToken string, expiresAt time.Time) error {
	oldKey := tokenDigest(oldToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validLocked(oldKey) {
		return ErrTokenNotFound
	}
	delete(s.entries, oldKey)
	s.entries[tokenDigest(newToken)] = expiresAt
	return nil
}

func (s *MemoryRefreshStore) validLocked(key string) bool {
	expiresAt, ok := s.entries[key]
	return ok && expiresAt.After(s.now())
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryRefreshStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, expiresAt := range s.entries {
		if !expiresAt.After(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryRefreshStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (s *MemoryRefreshStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 {
					s.logger.WithField("removed", removed).Debug("Swept expired refresh tokens")
				}
			}
		}
	}()
}
