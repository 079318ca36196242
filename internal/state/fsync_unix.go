//go:build !windows

package state

import (
	"fmt"
	"os"
)

// syncDir flushes a directory entry so a completed rename survives a crash
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync state directory: %w", err)
	}
	return nil
}
