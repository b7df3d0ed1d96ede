//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes isolates children in a new process group.
// The console stays shared, so non-silent output is still visible.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
