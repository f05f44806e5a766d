package state

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Lock acquires a file lock on key to prevent concurrent modifications.
func (l *Local) Lock(_ context.Context, key string) error {
	lockPath := l.lockPath(key)
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	// If lock is older than StaleLockAge, consider it stale
	if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > StaleLockAge {
		_ = os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return fmt.Errorf("%w (lock file: %s). "+
			"If this is an error, remove the lock file manually", ErrLocked, lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock releases the lock on key.
func (l *Local) Unlock(_ context.Context, key string) error {
	if err := os.Remove(l.lockPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *Local) lockPath(key string) string {
	return l.path(key) + ".lock"
}
