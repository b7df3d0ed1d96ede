package reclaim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process/processtest"
)

func TestCleaner_RunsEveryAction(t *testing.T) {
	executor := processtest.NewFakeExecutor()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := logging.FromZap(zap.New(core), "")

	cleaner := NewCleaner(hostops.NewHost(executor, hostops.DefaultTemplates(), logger), DefaultCleanupTargets(), logger)
	cleaner.Clean(context.Background())

	assert.Equal(t, []string{
		"taskkill /F /IM rust-analyzer.exe",
		"net stop LxssManager /y",
		"net start LxssManager",
		"net start vmcompute",
	}, executor.Lines())
	assert.Equal(t, 1, logs.FilterMessage("Memory cleanup commands executed.").Len())
}

func TestCleaner_ContinuesAfterFailures(t *testing.T) {
	executor := processtest.NewFakeExecutor().
		OnStatus("taskkill", 128).
		OnStatus("net stop", 2)

	cleaner := NewCleaner(hostops.NewHost(executor, hostops.DefaultTemplates(), logging.Nop()), DefaultCleanupTargets(), logging.Nop())
	cleaner.Clean(context.Background())

	assert.Len(t, executor.Calls(), 4)
	assert.Equal(t, 2, executor.Count("net start"))
}

func TestCleaner_SkipsEmptyTargets(t *testing.T) {
	executor := processtest.NewFakeExecutor()

	cleaner := NewCleaner(hostops.NewHost(executor, hostops.DefaultTemplates(), logging.Nop()), CleanupTargets{RestartService: "LxssManager"}, logging.Nop())
	cleaner.Clean(context.Background())

	assert.Equal(t, []string{"net stop LxssManager /y", "net start LxssManager"}, executor.Lines())
}

func TestTrimmer_Trim(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tr := NewTrimmer(time.Second, logging.FromZap(zap.New(core), "")).(*trimmer)

	calls := 0
	tr.trim = func() error {
		calls++
		return nil
	}
	tr.Trim()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, logs.FilterMessage("Working set trimmed").Len())
}

func TestTrimmer_ErrorIsSwallowed(t *testing.T) {
	tr := NewTrimmer(time.Second, logging.Nop()).(*trimmer)
	tr.trim = func() error { return errors.New("access denied") }

	assert.NotPanics(t, tr.Trim)
}

func TestTrimmer_DoesNotWaitPastTimeout(t *testing.T) {
	tr := NewTrimmer(20*time.Millisecond, logging.Nop()).(*trimmer)
	release := make(chan struct{})
	defer close(release)
	tr.trim = func() error {
		<-release
		return nil
	}

	start := time.Now()
	tr.Trim()
	require.Less(t, time.Since(start), time.Second)
}

func TestNewTrimmer_DefaultTimeout(t *testing.T) {
	tr := NewTrimmer(0, logging.Nop()).(*trimmer)
	assert.Equal(t, DefaultTrimTimeout, tr.timeout)
}
