package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileRepository is the narrow filesystem surface the profile store and
// history ledger use. Tests substitute an in-memory implementation.
type FileRepository interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile replaces path atomically, creating parent directories
	WriteFile(path string, data []byte) error
	// Remove deletes path; a missing file is not an error
	Remove(path string) error
	Exists(path string) (bool, error)
	// Rename moves oldPath to newPath, replacing newPath if it exists
	Rename(oldPath, newPath string) error
	// Glob lists files in dir whose names match pattern (filepath.Match syntax)
	Glob(dir, pattern string) ([]string, error)
}

// OSRepository implements FileRepository on the local filesystem
type OSRepository struct{}

// NewOSRepository returns the local filesystem repository
func NewOSRepository() *OSRepository {
	return &OSRepository{}
}

func (r *OSRepository) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes to a temp file in the same directory and renames it over
// the destination so readers never see a half-written document.
func (r *OSRepository) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func (r *OSRepository) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *OSRepository) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (r *OSRepository) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (r *OSRepository) Glob(dir, pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, pattern))
}
