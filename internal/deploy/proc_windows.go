//go:build windows

package deploy

import (
	"os/exec"
	"strconv"
)

func startProcessGroup(cmd *exec.Cmd) {}

// killProcessTree uses taskkill /T so MSBuild worker nodes die with the
// publish process.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
