package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-provision/pkg/hostmem"
	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/metrics"
	"github.com/core-tools/hsu-provision/pkg/process/processtest"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/runstate"
)

type fixedProbe struct {
	freeMB int64
	ok     bool
	calls  atomic.Int64
}

func (p *fixedProbe) FreeMemoryMB(ctx context.Context) (int64, bool) {
	p.calls.Inc()
	return p.freeMB, p.ok
}

type countingTrimmer struct {
	mu    sync.Mutex
	calls int
}

func (t *countingTrimmer) Trim() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
}

func (t *countingTrimmer) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type fixture struct {
	monitor  *monitor
	state    *runstate.State
	executor *processtest.FakeExecutor
	trimmer  *countingTrimmer
	metrics  *metrics.Metrics
	logs     *observer.ObservedLogs
}

func newFixture(probe hostmem.Probe, interval time.Duration) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := logging.FromZap(zap.New(core), "")

	executor := processtest.NewFakeExecutor()
	state := runstate.New(true)
	trimmer := &countingTrimmer{}
	m := metrics.New()

	config := DefaultConfig()
	config.Interval = interval

	mon := NewMonitor(config, Dependencies{
		Probe:    probe,
		RunState: state,
		Trimmer:  trimmer,
		Cleaner:  reclaim.NewCleaner(hostops.NewHost(executor, hostops.DefaultTemplates(), logger), reclaim.DefaultCleanupTargets(), logger),
		Metrics:  m,
	}, logger).(*monitor)

	return &fixture{
		monitor:  mon,
		state:    state,
		executor: executor,
		trimmer:  trimmer,
		metrics:  m,
		logs:     logs,
	}
}

func (f *fixture) warnings() []string {
	var out []string
	for _, entry := range f.logs.FilterLevelExact(zapcore.WarnLevel).All() {
		out = append(out, entry.Message)
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		freeMB      int64
		critical    bool
		lowResource bool
		expected    Action
	}{
		{0, false, false, ActionCleanup},
		{150, false, false, ActionCleanup},
		{199, false, true, ActionCleanup},
		{150, true, false, ActionCriticalTrim},
		{199, true, true, ActionCriticalTrim},
		{200, false, false, ActionWarn},
		{300, true, false, ActionWarn},
		{499, false, false, ActionWarn},
		{200, false, true, ActionWarnTrim},
		{499, true, true, ActionWarnTrim},
		{500, false, false, ActionNone},
		{500, true, true, ActionNone},
		{16000, false, true, ActionNone},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Classify(tt.freeMB, tt.critical, tt.lowResource),
			"free=%d critical=%v lowResource=%v", tt.freeMB, tt.critical, tt.lowResource)
	}
}

func TestClassify_CustomThresholds(t *testing.T) {
	config := Config{Interval: time.Second, CriticalMB: 1000, LowMB: 4000}

	assert.Equal(t, ActionCleanup, config.Classify(999, false, false))
	assert.Equal(t, ActionWarn, config.Classify(1000, false, false))
	assert.Equal(t, ActionNone, config.Classify(4000, false, false))
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))
	assert.Error(t, ValidateConfig(Config{Interval: 0, CriticalMB: 200, LowMB: 500}))
	assert.Error(t, ValidateConfig(Config{Interval: time.Second, CriticalMB: 0, LowMB: 500}))
	assert.Error(t, ValidateConfig(Config{Interval: time.Second, CriticalMB: 500, LowMB: 500}))
}

func TestTick_CriticalWithoutCriticalSectionCleans(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 150, ok: true}, time.Second)

	f.monitor.tick(context.Background())

	assert.Equal(t, 1, f.executor.Count("taskkill /F /IM rust-analyzer.exe"))
	assert.Equal(t, 1, f.executor.Count("net stop LxssManager"))
	assert.Equal(t, 1, f.executor.Count("net start LxssManager"))
	assert.Equal(t, 1, f.executor.Count("net start vmcompute"))
	assert.Equal(t, 0, f.trimmer.Calls())
	assert.Equal(t, []string{"CRITICAL LOW MEMORY: 150 MB. Cleaning..."}, f.warnings())
}

func TestTick_CriticalInsideCriticalSectionOnlyTrims(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 150, ok: true}, time.Second)
	leave := f.state.EnterCriticalSection()
	defer leave()

	f.monitor.tick(context.Background())

	assert.Equal(t, 1, f.trimmer.Calls())
	assert.Empty(t, f.executor.Calls())
	assert.Equal(t, []string{"CRITICAL LOW MEMORY: 150 MB. Critical section active, skipping cleanup."}, f.warnings())
}

func TestTick_LowMemoryWarnsWithoutTrim(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 300, ok: true}, time.Second)

	f.monitor.tick(context.Background())

	assert.Equal(t, 0, f.trimmer.Calls())
	assert.Empty(t, f.executor.Calls())
	assert.Equal(t, []string{"Low Memory: 300 MB"}, f.warnings())
}

func TestTick_LowMemoryTrimsInLowResourceMode(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 300, ok: true}, time.Second)
	f.state.SetLowResourceMode(true)

	f.monitor.tick(context.Background())

	assert.Equal(t, 1, f.trimmer.Calls())
	assert.Empty(t, f.executor.Calls())
	assert.Equal(t, []string{"Low Memory: 300 MB"}, f.warnings())
}

func TestTick_PlentyOfMemoryDoesNothing(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 500, ok: true}, time.Second)
	f.state.SetLowResourceMode(true)

	f.monitor.tick(context.Background())

	assert.Equal(t, 0, f.trimmer.Calls())
	assert.Empty(t, f.executor.Calls())
	assert.Empty(t, f.warnings())

	freeMB, ok := f.monitor.LastSample()
	assert.True(t, ok)
	assert.Equal(t, int64(500), freeMB)
}

func TestTick_UnparseableQueryTakesNoAction(t *testing.T) {
	executor := processtest.NewFakeExecutor().OnOutput("FreePhysicalMemory", "FreePhysicalMemory 1234\r\n")
	probe := hostmem.NewCommandProbe(executor, hostmem.DefaultQueryCommand(), logging.Nop())
	f := newFixture(probe, time.Second)

	assert.NotPanics(t, func() {
		f.monitor.tick(context.Background())
		f.monitor.tick(context.Background())
	})

	assert.Equal(t, 0, f.trimmer.Calls())
	assert.Empty(t, f.executor.Calls())
	assert.Empty(t, f.warnings())
	assert.Equal(t, 2, executor.Count("FreePhysicalMemory"))

	_, ok := f.monitor.LastSample()
	assert.False(t, ok)
}

func TestMonitor_LoopContinuesAfterUnparseableSamples(t *testing.T) {
	f := newFixture(&fixedProbe{ok: false}, 5*time.Millisecond)

	f.monitor.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateRunning, f.monitor.State())
	f.state.StopMonitor()

	select {
	case <-f.monitor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Empty(t, f.warnings())
}

func TestMonitor_StopsWithinOneInterval(t *testing.T) {
	interval := 50 * time.Millisecond
	probe := &fixedProbe{freeMB: 8000, ok: true}
	f := newFixture(probe, interval)

	f.monitor.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := f.monitor.LastSample()
		return ok
	}, time.Second, time.Millisecond)

	stoppedAt := time.Now()
	require.True(t, f.state.StopMonitor())

	select {
	case <-f.monitor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Less(t, time.Since(stoppedAt), interval+100*time.Millisecond)
	assert.Equal(t, StateStopped, f.monitor.State())

	samples := probe.calls.Load()
	time.Sleep(3 * interval)
	assert.Equal(t, samples, probe.calls.Load())
	assert.False(t, f.state.MonitorRunning())
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	f := newFixture(&fixedProbe{freeMB: 8000, ok: true}, 5*time.Millisecond)

	f.monitor.Start(context.Background())
	f.monitor.Start(context.Background())
	f.state.StopMonitor()

	select {
	case <-f.monitor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("Starting resource monitor").Len())
}
