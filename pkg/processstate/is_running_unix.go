//go:build !windows

package processstate

import (
	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

// IsProcessRunning probes pid with signal 0. A process owned by another user
// still counts as running.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	err := unix.Kill(pid, 0)
	switch err {
	case nil, unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, errors.NewProcessError("failed to probe process", err).WithContext("pid", pid)
	}
}
