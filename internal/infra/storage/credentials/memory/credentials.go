// Package memory provides an in-memory credential pool store for tests and
// single-process use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mobtriage/verdict/internal/domain/credential"
)

// Ensure credentialStore implements credential.Repository at compile time.
var _ credential.Repository = (*credentialStore)(nil)

// credentialStore implements credential.Repository with a mutex-guarded map.
// A single lock covers every operation, which gives the same per-credential
// atomicity as the SQL store.
type credentialStore struct {
	mu    sync.Mutex
	creds map[string]*credential.Credential
}

// NewCredentialStore creates an empty in-memory credential.Repository.
func NewCredentialStore() *credentialStore {
	return &credentialStore{creds: make(map[string]*credential.Credential)}
}

func (s *credentialStore) Add(_ context.Context, keys []string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted, skipped []string
	for _, key := range keys {
		if _, ok := s.creds[key]; ok {
			skipped = append(skipped, key)
			continue
		}
		s.creds[key] = credential.New(key)
		inserted = append(inserted, key)
	}
	return inserted, skipped, nil
}

func (s *credentialStore) AcquireLeastUsed(_ context.Context, now time.Time) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		c.MaybeReactivate(now)
	}

	var best *credential.Credential
	for _, c := range s.creds {
		if !c.IsSelectable() {
			continue
		}
		if best == nil || c.UsageCount() < best.UsageCount() ||
			(c.UsageCount() == best.UsageCount() && c.Key() < best.Key()) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return snapshot(best), nil
}

func (s *credentialStore) RecordUse(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[key]
	if !ok {
		return credential.ErrNotFound
	}
	c.RecordUse(now)
	return nil
}

func (s *credentialStore) MarkLimited(_ context.Context, key string, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[key]
	if !ok {
		return credential.ErrNotFound
	}
	if c.Status() == credential.StatusBanned {
		// A ban is final; discard the stale state change.
		return nil
	}
	return c.MarkLimited(resetAt)
}

func (s *credentialStore) MarkBanned(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[key]
	if !ok {
		return credential.ErrNotFound
	}
	if c.Status() == credential.StatusBanned {
		return nil
	}
	return c.MarkBanned()
}

func (s *credentialStore) Get(_ context.Context, key string) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[key]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return snapshot(c), nil
}

func (s *credentialStore) List(_ context.Context) ([]*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := make([]*credential.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		creds = append(creds, snapshot(c))
	}
	return creds, nil
}

// snapshot copies a credential so callers cannot mutate pool state outside
// the lock.
func snapshot(c *credential.Credential) *credential.Credential {
	return credential.Reconstruct(c.Key(), c.Status(), c.ResetTime(), c.UsageCount(), c.LastUsed())
}
