// Package profilelock keeps two runs of the same profile from touching its
// state at once. It uses OS advisory locks, so a lock held by a crashed
// process is released by the kernel.
package profilelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// Lock is a held profile lock
type Lock struct {
	profile string
	path    string
	file    *os.File
}

// Path returns the lock file for a profile
func Path(dir string, profile models.Profile) string {
	return filepath.Join(dir, profile.Name+".lock")
}

// Acquire takes the profile's lock without waiting. If another run holds it,
// the returned error wraps models.ErrProfileLocked and names the holder.
func Acquire(dir string, profile models.Profile) (*Lock, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := Path(dir, profile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: profile %s (holder %s)", models.ErrProfileLocked, profile.Name, readHolder(path))
	}

	l := &Lock{profile: profile.Name, path: path, file: f}
	l.writeHolder()
	return l, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// clear holder info
	_ = l.file.Truncate(0)

	err := unlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("release lock for profile %s: %w", l.profile, err)
	}
	return nil
}

func (l *Lock) writeHolder() {
	_ = l.file.Truncate(0)
	_, _ = l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_ = l.file.Sync()
}

// readHolder describes the process recorded in the lock file
func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}

	var pid, since string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		switch {
		case strings.HasPrefix(line, "pid:"):
			pid = strings.TrimPrefix(line, "pid:")
		case strings.HasPrefix(line, "time:"):
			since = strings.TrimPrefix(line, "time:")
		}
	}
	if pid == "" {
		return "unknown"
	}

	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid:%s since %s (stale, process gone)", pid, since)
	}
	return fmt.Sprintf("pid:%s since %s", pid, since)
}

// IsLocked reports whether err came from a held profile lock
func IsLocked(err error) bool {
	return errors.Is(err, models.ErrProfileLocked)
}
