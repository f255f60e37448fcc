//go:build !windows

package storage

import (
	"errors"
	"os"
	"syscall"
)

func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: exists but owned by someone else
	return errors.Is(err, syscall.EPERM)
}
