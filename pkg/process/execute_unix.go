//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so a terminal
// interrupt aimed at the provisioner does not reach it.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
