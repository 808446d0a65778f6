//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach puts the agent in its own process group so a terminal interrupt
// only reaches the supervisor.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
