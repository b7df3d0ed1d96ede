package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/processstate"
)

const (
	DefaultAppName  = "hsu-provision"
	DefaultLockName = "provision.pid"
)

// Lock is a PID file that keeps two provisioning runs from racing on the same host
type Lock struct {
	path      string
	pid       int
	isRunning func(pid int) (bool, error)
	logger    logging.Logger
}

// DefaultLockPath returns the per-user lock file location
func DefaultLockPath() string {
	return filepath.Join(userServiceDirectory(), DefaultAppName, DefaultLockName)
}

// AcquireLock writes the current PID to path. A lock left by a dead process
// is replaced; a lock held by a live one is refused with a process error.
func AcquireLock(path string, logger logging.Logger) (*Lock, error) {
	lock := &Lock{
		path:      path,
		pid:       os.Getpid(),
		isRunning: processstate.IsProcessRunning,
		logger:    logger,
	}
	if err := lock.acquire(); err != nil {
		return nil, err
	}
	return lock, nil
}

func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) acquire() error {
	if err := ValidateLockDirectory(l.path); err != nil {
		return err
	}

	if holder, err := readPID(l.path); err == nil {
		if holder != l.pid {
			running, err := l.isRunning(holder)
			if err != nil {
				l.logger.Warnf("Failed to probe lock holder, pid: %d, error: %v", holder, err)
			}
			if running {
				return errors.NewProcessError("another provisioning run is active", nil).
					WithContext("pid", holder).WithContext("lock_file", l.path)
			}
		}
		l.logger.Infof("Removing stale lock file, path: %s, pid: %d", l.path, holder)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return errors.NewIOError("failed to remove stale lock file", err).WithContext("lock_file", l.path)
		}
	} else if !os.IsNotExist(err) {
		l.logger.Warnf("Unreadable lock file, replacing, path: %s, error: %v", l.path, err)
		_ = os.Remove(l.path)
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewProcessError("another provisioning run acquired the lock", err).WithContext("lock_file", l.path)
		}
		return errors.NewIOError("failed to create lock file", err).WithContext("lock_file", l.path)
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%d\n", l.pid); err != nil {
		return errors.NewIOError("failed to write lock file", err).WithContext("lock_file", l.path)
	}

	l.logger.Debugf("Lock acquired, path: %s, pid: %d", l.path, l.pid)
	return nil
}

// Release removes the lock file if it still names this process
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	holder, err := readPID(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIOError("failed to read lock file", err).WithContext("lock_file", l.path)
	}
	if holder != l.pid {
		l.logger.Warnf("Lock file taken over, leaving it, path: %s, pid: %d", l.path, holder)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove lock file", err).WithContext("lock_file", l.path)
	}
	l.logger.Debugf("Lock released, path: %s", l.path)
	return nil
}

func readPID(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID in lock file", err).WithContext("content", text)
	}
	return pid, nil
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
				return filepath.Join(userProfile, "AppData", "Local")
			}
			return "C:\\Users\\Default\\AppData\\Local"
		}
		return localAppData

	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

// ValidateLockDirectory creates the lock directory if needed and checks it is writable
func ValidateLockDirectory(lockPath string) error {
	dir := filepath.Dir(lockPath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access lock directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create lock directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("lock directory path is not a directory", nil).WithContext("path", dir)
	}

	probe := filepath.Join(dir, ".write_test")
	file, err := os.Create(probe)
	if err != nil {
		return errors.NewPermissionError("lock directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(probe)

	return nil
}
