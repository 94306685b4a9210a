//go:build !windows

package executor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func shellCommand(payload string) *exec.Cmd {
	return exec.Command("sh", "-c", payload)
}

// setProcessGroup puts the shell in its own group so a negative-pid kill
// reaches every descendant.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

// exitStatus returns the exit code, or the negated signal number when the
// process was killed by a signal.
func exitStatus(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
