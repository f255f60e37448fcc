//go:build unix

package deploy

import (
	"errors"
	"os/exec"
	"syscall"
)

// startProcessGroup puts the child in its own process group so a kill reaches
// build-server nodes and other descendants sharing its pipes.
func startProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return cmd.Process.Kill()
	}
	return err
}
