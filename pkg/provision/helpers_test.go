package provision

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process"
	"github.com/core-tools/hsu-provision/pkg/process/processtest"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/resourcelimits"
	"github.com/core-tools/hsu-provision/pkg/rootfs"
	"github.com/core-tools/hsu-provision/pkg/runstate"
)

type fixedProbe struct {
	freeMB int64
	ok     bool
}

func (p *fixedProbe) FreeMemoryMB(ctx context.Context) (int64, bool) {
	return p.freeMB, p.ok
}

// observingExecutor lets a test look at shared state while a command runs
type observingExecutor struct {
	process.Executor
	onRun func(cmd process.Command)
}

func (o *observingExecutor) Run(ctx context.Context, cmd process.Command, silent bool) int {
	o.onRun(cmd)
	return o.Executor.Run(ctx, cmd, silent)
}

type stepsFixture struct {
	steps    *Steps
	config   *Config
	state    *runstate.State
	probe    *fixedProbe
	executor *processtest.FakeExecutor
	logger   logging.Logger
	logs     *observer.ObservedLogs
	dir      string

	mu     sync.Mutex
	sleeps []time.Duration
}

// testConfig points every filesystem path into dir
func testConfig(dir string) *Config {
	config := DefaultConfig()
	config.Subsystem.DataDir = filepath.Join(dir, "Ubuntu_Data")
	config.Subsystem.StaleDirs = []string{filepath.Join(dir, "Ubuntu_Extract")}
	config.RootFS.CacheDir = filepath.Join(dir, "Trash")
	config.Limits.Path = filepath.Join(dir, ".wslconfig")
	config.Toolchain.VerifyDir = filepath.Join(dir, "test_code")
	config.Build.TargetDir = filepath.ToSlash(filepath.Join(dir, "no_code", "target"))
	config.Build.LockFile = filepath.Join(dir, "Cargo.lock")
	config.LockFile = filepath.Join(dir, "provision.pid")
	return config
}

func newStepsFixture(t *testing.T, executor *processtest.FakeExecutor) *stepsFixture {
	t.Helper()

	dir := t.TempDir()
	config := testConfig(dir)
	return newStepsFixtureWith(t, dir, config, runstate.New(true), executor, executor)
}

func newStepsFixtureWith(t *testing.T, dir string, config *Config, state *runstate.State, fake *processtest.FakeExecutor, executor process.Executor) *stepsFixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := logging.FromZap(zap.New(core), "")

	probe := &fixedProbe{freeMB: 4096, ok: true}
	host := hostops.NewHost(executor, config.Host, logger)

	f := &stepsFixture{
		config:   config,
		state:    state,
		probe:    probe,
		executor: fake,
		logger:   logger,
		logs:     logs,
		dir:      dir,
	}

	f.steps = NewSteps(StepDependencies{
		Executor: executor,
		RunState: state,
		Probe:    probe,
		Host:     host,
		Cleaner:  reclaim.NewCleaner(host, config.Cleanup, logger),
		Limits:   resourcelimits.NewWriter(config.Limits, logger),
		Fetcher:  rootfs.NewFetcher(executor, config.RootFS, logger),
	}, config, logger)
	f.steps.sleep = func(d time.Duration) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sleeps = append(f.sleeps, d)
	}
	return f
}

func (f *stepsFixture) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration{}, f.sleeps...)
}

func (f *stepsFixture) hasLog(level zapcore.Level, message string) bool {
	return f.logs.FilterLevelExact(level).FilterMessage(message).Len() > 0
}

// cacheImage places a valid distro image where the fetcher looks first
func cacheImage(t *testing.T, config *Config) {
	t.Helper()
	require.NoError(t, os.MkdirAll(config.RootFS.CacheDir, 0755))

	file, err := os.Create(filepath.Join(config.RootFS.CacheDir, config.RootFS.FileName))
	require.NoError(t, err)
	defer file.Close()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	body := []byte("Alpine Linux\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "etc/issue", Mode: 0644, Size: int64(len(body))}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}
