// Package safefile implements the crash-safe file write wrapper used
// throughout the core: create parents, detect disk-full during
// write, and clean up partial files on failure.
package safefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cconnectd/cconnectd/lib/coreerrors"
)

// WriteAtomic writes data to path via a temp file in the same directory
// followed by a rename, so a crash mid-write never leaves a truncated file
// at path.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("safefile: create parent dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return classify(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return classify(err, "rename into place")
	}
	return nil
}

// CreateTemp creates and returns a new temp file under dir for streamed
// writes (payload receive); the caller renames it into place on success
// and removes it on failure.
func CreateTemp(dir, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("safefile: create dir: %w", err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, classify(err, "create temp file")
	}
	return f, nil
}

// Cleanup removes a partial file left behind by a failed write.
func Cleanup(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func classify(err error, op string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("safefile: %s: %w", op, coreerrors.ErrDiskFull)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("safefile: %s: %w", op, coreerrors.ErrPermissionDenied)
	}
	return fmt.Errorf("safefile: %s: %w", op, err)
}
