package processfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/logging"
)

func writePID(t *testing.T, path string, pid int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644))
}

func TestAcquireLock_CreatesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultLockName)

	lock, err := AcquireLock(path, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestAcquireLock_RefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockName)
	writePID(t, path, 4242)

	lock := &Lock{
		path:      path,
		pid:       os.Getpid(),
		isRunning: func(pid int) (bool, error) { return pid == 4242, nil },
		logger:    logging.Nop(),
	}
	err := lock.acquire()
	assert.True(t, errors.IsProcessError(err))

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestAcquireLock_ReplacesStaleHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockName)
	writePID(t, path, 4242)

	lock := &Lock{
		path:      path,
		pid:       os.Getpid(),
		isRunning: func(int) (bool, error) { return false, nil },
		logger:    logging.Nop(),
	}
	require.NoError(t, lock.acquire())

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireLock_ReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockName)
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0644))

	lock, err := AcquireLock(path, logging.Nop())
	require.NoError(t, err)
	defer lock.Release()

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRelease_LeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockName)

	lock, err := AcquireLock(path, logging.Nop())
	require.NoError(t, err)

	writePID(t, path, 4242)
	require.NoError(t, lock.Release())
	assert.FileExists(t, path)
}

func TestRelease_NilAndMissing(t *testing.T) {
	var lock *Lock
	assert.NoError(t, lock.Release())

	path := filepath.Join(t.TempDir(), DefaultLockName)
	lock, err := AcquireLock(path, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	assert.NoError(t, lock.Release())
}

func TestValidateLockDirectory_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	err := ValidateLockDirectory(filepath.Join(file, DefaultLockName))
	assert.True(t, errors.IsValidationError(err))
}

func TestDefaultLockPath(t *testing.T) {
	path := DefaultLockPath()
	assert.Equal(t, DefaultLockName, filepath.Base(path))
	assert.Equal(t, DefaultAppName, filepath.Base(filepath.Dir(path)))
}
