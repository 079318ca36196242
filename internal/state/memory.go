package state

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// MemoryStore is an in-process Store, used for throwaway previews and tests
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]map[string]models.SyncState
	audit  map[string][]AuditEntry
}

var _ Store = (*MemoryStore)(nil)
var _ AuditReader = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]map[string]models.SyncState),
		audit:  make(map[string][]AuditEntry),
	}
}

// Get retrieves the entry for bookKey
func (s *MemoryStore) Get(_ context.Context, profile models.Profile, bookKey string) (models.SyncState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[profile.Name][bookKey]
	return st, ok, nil
}

// Upsert stores the entry for bookKey and records it in the audit trail
func (s *MemoryStore) Upsert(ctx context.Context, profile models.Profile, bookKey string, next models.SyncState) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	books, ok := s.states[profile.Name]
	if !ok {
		books = make(map[string]models.SyncState)
		s.states[profile.Name] = books
	}
	var prev *models.SyncState
	if old, ok := books[bookKey]; ok {
		prev = &old
	}
	books[bookKey] = next
	s.audit[profile.Name] = append(s.audit[profile.Name], AuditEntry{
		Profile:  profile.Name,
		BookKey:  bookKey,
		Reason:   auditReason(ctx),
		Previous: prev,
		Current:  next,
		At:       time.Now().UTC(),
	})
	return nil
}

// SnapshotAll returns a copy of every entry of the profile
func (s *MemoryStore) SnapshotAll(_ context.Context, profile models.Profile) (map[string]models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.SyncState, len(s.states[profile.Name]))
	maps.Copy(out, s.states[profile.Name])
	return out, nil
}

// AuditTrail returns a copy of the profile's audit entries
func (s *MemoryStore) AuditTrail(_ context.Context, profile models.Profile) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit[profile.Name]...), nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
