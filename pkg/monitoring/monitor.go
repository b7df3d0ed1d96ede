// Package monitoring implements the resource monitor: a detached loop that
// samples free host memory and reclaims memory when it runs low.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/core-tools/hsu-provision/pkg/hostmem"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/metrics"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/runstate"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

type Dependencies struct {
	Probe    hostmem.Probe
	RunState *runstate.State
	Trimmer  reclaim.Trimmer
	Cleaner  reclaim.Cleaner
	Metrics  *metrics.Metrics
}

// Monitor runs until the run state liveness flag is cleared. It is never joined;
// Done is closed once the loop has observed the flag and returned.
type Monitor interface {
	Start(ctx context.Context)
	Done() <-chan struct{}
	State() State
	LastSample() (freeMB int64, ok bool)
}

type monitor struct {
	config Config
	deps   Dependencies
	logger logging.Logger

	state      *atomic.String
	lastSample *atomic.Int64
	sampled    *atomic.Bool
	done       chan struct{}
}

func NewMonitor(config Config, deps Dependencies, logger logging.Logger) Monitor {
	return &monitor{
		config:     config,
		deps:       deps,
		logger:     logger,
		state:      atomic.NewString(string(StateIdle)),
		lastSample: atomic.NewInt64(0),
		sampled:    atomic.NewBool(false),
		done:       make(chan struct{}),
	}
}

// Start launches the loop once; later calls are ignored
func (m *monitor) Start(ctx context.Context) {
	if !m.state.CompareAndSwap(string(StateIdle), string(StateRunning)) {
		m.logger.Debugf("Resource monitor already started, state: %s", m.State())
		return
	}

	m.logger.Infof("Starting resource monitor, interval: %v, critical: %d MB, low: %d MB",
		m.config.Interval, m.config.CriticalMB, m.config.LowMB)

	go m.loop(ctx)
}

func (m *monitor) Done() <-chan struct{} {
	return m.done
}

func (m *monitor) State() State {
	return State(m.state.Load())
}

func (m *monitor) LastSample() (int64, bool) {
	return m.lastSample.Load(), m.sampled.Load()
}

func (m *monitor) loop(ctx context.Context) {
	defer close(m.done)
	defer m.state.Store(string(StateStopped))

	for m.deps.RunState.MonitorRunning() {
		m.tick(ctx)
		time.Sleep(m.config.Interval)
	}

	m.logger.Debugf("Resource monitor loop stopped")
}

func (m *monitor) tick(ctx context.Context) {
	freeMB, ok := m.deps.Probe.FreeMemoryMB(ctx)
	m.deps.Metrics.ObserveSample(freeMB, ok)
	if !ok {
		m.logger.Debugf("Free memory sample unavailable, skipping tick")
		return
	}
	m.lastSample.Store(freeMB)
	m.sampled.Store(true)

	action := m.config.Classify(freeMB, m.deps.RunState.InCriticalSection(), m.deps.RunState.LowResourceMode())
	if action == ActionNone {
		return
	}
	m.deps.Metrics.ObserveAction(action.String())

	switch action {
	case ActionCriticalTrim:
		m.logger.Warnf("CRITICAL LOW MEMORY: %d MB. Critical section active, skipping cleanup.", freeMB)
		m.deps.Trimmer.Trim()
	case ActionCleanup:
		m.logger.Warnf("CRITICAL LOW MEMORY: %d MB. Cleaning...", freeMB)
		m.deps.Cleaner.Clean(ctx)
	case ActionWarn:
		m.logger.Warnf("Low Memory: %d MB", freeMB)
	case ActionWarnTrim:
		m.logger.Warnf("Low Memory: %d MB", freeMB)
		m.deps.Trimmer.Trim()
	}
}
