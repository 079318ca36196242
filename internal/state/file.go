package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

const (
	// CurrentVersion is the current version of the state file format
	CurrentVersion = "1"

	stateFileName = "state.json"
	auditFileName = "audit.jsonl"
)

// fileState is the on-disk shape of one profile's state file
type fileState struct {
	Version   string                      `json:"version"`
	Profile   string                      `json:"profile"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Books     map[string]models.SyncState `json:"books"`
}

// FileStore keeps each profile in <dir>/<profile>/state.json with an
// append-only <dir>/<profile>/audit.jsonl next to it
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)
var _ AuditReader = (*FileStore)(nil)

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Close is a no-op; every write is flushed before it returns
func (s *FileStore) Close() error { return nil }

func (s *FileStore) profileLock(profile models.Profile) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[profile.Name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[profile.Name] = l
	}
	return l
}

func (s *FileStore) profileDir(profile models.Profile) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, profile.Name), nil
}

// StatePath returns the state file of a profile
func (s *FileStore) StatePath(profile models.Profile) string {
	return filepath.Join(s.dir, profile.Name, stateFileName)
}

// AuditPath returns the audit trail of a profile
func (s *FileStore) AuditPath(profile models.Profile) string {
	return filepath.Join(s.dir, profile.Name, auditFileName)
}

// Get returns the entry for bookKey
func (s *FileStore) Get(ctx context.Context, profile models.Profile, bookKey string) (models.SyncState, bool, error) {
	all, err := s.SnapshotAll(ctx, profile)
	if err != nil {
		return models.SyncState{}, false, err
	}
	st, ok := all[bookKey]
	return st, ok, nil
}

// SnapshotAll reads the profile's state file. A missing file is an empty state;
// anything unreadable is a *models.StateCorruptionError.
func (s *FileStore) SnapshotAll(ctx context.Context, profile models.Profile) (map[string]models.SyncState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.profileLock(profile)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(profile)
	if err != nil {
		return nil, err
	}
	return st.Books, nil
}

func (s *FileStore) load(profile models.Profile) (*fileState, error) {
	if _, err := s.profileDir(profile); err != nil {
		return nil, err
	}
	path := s.StatePath(profile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileState{Version: CurrentVersion, Profile: profile.Name, Books: make(map[string]models.SyncState)}, nil
		}
		return nil, corrupt(profile, path, fmt.Errorf("failed to read state file: %w", err))
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, corrupt(profile, path, fmt.Errorf("invalid state file format: %w", err))
	}
	if st.Version != CurrentVersion {
		return nil, corrupt(profile, path, fmt.Errorf("unsupported state version: %q", st.Version))
	}
	if st.Profile != "" && st.Profile != profile.Name {
		return nil, corrupt(profile, path, fmt.Errorf("state file belongs to profile %q", st.Profile))
	}
	if st.Books == nil {
		st.Books = make(map[string]models.SyncState)
	}
	for key, entry := range st.Books {
		if err := entry.Validate(); err != nil {
			return nil, corrupt(profile, path, fmt.Errorf("entry %q: %w", key, err))
		}
	}
	return &st, nil
}

// Upsert appends the audit line for bookKey and then writes the entry
func (s *FileStore) Upsert(ctx context.Context, profile models.Profile, bookKey string, next models.SyncState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid state for %q: %w", bookKey, err)
	}

	l := s.profileLock(profile)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(profile)
	if err != nil {
		return err
	}

	var prev *models.SyncState
	if old, ok := st.Books[bookKey]; ok {
		prev = &old
	}
	now := time.Now().UTC()
	st.Books[bookKey] = next
	st.Profile = profile.Name
	st.UpdatedAt = now

	// the audit line is durable before the state file moves; a crash in
	// between leaves an audit line for a change that never landed, never
	// a landed change without one
	if err := s.appendAudit(profile, AuditEntry{
		Profile:  profile.Name,
		BookKey:  bookKey,
		Reason:   auditReason(ctx),
		Previous: prev,
		Current:  next,
		At:       now,
	}); err != nil {
		return err
	}
	return s.save(profile, st)
}

// save writes the state through a temp file, fsync and rename so readers never see a partial file
func (s *FileStore) save(profile models.Profile, st *fileState) error {
	targetDir := filepath.Join(s.dir, profile.Name)
	path := s.StatePath(profile)

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	tmpFile, err := os.CreateTemp(targetDir, stateFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(st); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}

	// Close the file before renaming (required on Windows)
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	return syncDir(targetDir)
}

func (s *FileStore) appendAudit(profile models.Profile, entry AuditEntry) error {
	if err := os.MkdirAll(filepath.Join(s.dir, profile.Name), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	f, err := os.OpenFile(s.AuditPath(profile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit trail: %w", err)
	}
	return f.Close()
}

// AuditTrail reads every audit entry of a profile in write order
func (s *FileStore) AuditTrail(ctx context.Context, profile models.Profile) ([]AuditEntry, error) {
	if _, err := s.profileDir(profile); err != nil {
		return nil, err
	}
	l := s.profileLock(profile)
	l.Lock()
	defer l.Unlock()

	path := s.AuditPath(profile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, corrupt(profile, path, fmt.Errorf("audit line %d: %w", line, err))
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}
