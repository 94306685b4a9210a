//go:build windows

package executor

import (
	"errors"
	"os"
	"os/exec"
)

var errNoProcessGroups = errors.New("process groups are not supported on windows")

func shellCommand(payload string) *exec.Cmd {
	return exec.Command("cmd", "/C", payload)
}

func setProcessGroup(c *exec.Cmd) {}

func killGroup(pid int) error {
	return errNoProcessGroups
}

func terminate(p *os.Process) error {
	return p.Kill()
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
