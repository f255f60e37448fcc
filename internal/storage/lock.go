package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for file lock")

const (
	lockRetryInterval = 25 * time.Millisecond
	defaultLockWait   = 5 * time.Second
	// locks older than this are reclaimed even when the holder looks alive,
	// which covers PID reuse after a crash
	lockStaleAfter = 10 * time.Minute
)

// FileLock is the content of a <file>.lock marker. It lets writers in other
// processes see who holds a sidecar and reclaim locks left by crashed ones.
type FileLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// LockPath returns the marker path guarding target
func LockPath(target string) string {
	return target + ".lock"
}

// AcquireFileLock takes the cross-process lock for target, waiting up to
// five seconds (or until ctx is done). The returned function releases it.
func AcquireFileLock(ctx context.Context, target, holder string) (func() error, error) {
	lockPath := LockPath(target)

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.Marshal(FileLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(defaultLockWait)
	for {
		ok, err := tryCreateLock(lockPath, data)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() error { return ReleaseFileLock(lockPath) }, nil
		}

		if reclaimStaleLock(lockPath) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func tryCreateLock(lockPath string, data []byte) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock %s: %w", lockPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return false, fmt.Errorf("failed to write lock %s: %w", lockPath, err)
	}
	return true, f.Close()
}

// reclaimStaleLock removes the lock when its holder is gone. Returns true
// if the caller should retry immediately.
func reclaimStaleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// released between our create attempt and the read
		return errors.Is(err, fs.ErrNotExist)
	}

	var existing FileLock
	if err := json.Unmarshal(data, &existing); err != nil {
		// half-written by a holder that is still writing, or garbage left by
		// a crash; only the age tells them apart
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			return os.Remove(lockPath) == nil
		}
		return false
	}

	if time.Since(existing.StartedAt) > lockStaleAfter || !isProcessAlive(existing.PID, existing.Hostname) {
		return os.Remove(lockPath) == nil
	}
	return false
}

// ReleaseFileLock removes the lock marker
func ReleaseFileLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Remote or unverifiable holders are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	return pidAlive(pid)
}
