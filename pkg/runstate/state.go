// Package runstate holds the flags shared between the provisioning sequence and
// the resource monitor. One State is created per run and passed explicitly.
package runstate

import (
	"sync"

	"go.uber.org/atomic"
)

type State struct {
	monitorRunning  *atomic.Bool
	criticalSection *atomic.Bool
	safeMode        *atomic.Bool
	lowResourceMode *atomic.Bool
	nonInteractive  bool
}

func New(nonInteractive bool) *State {
	return &State{
		monitorRunning:  atomic.NewBool(true),
		criticalSection: atomic.NewBool(false),
		safeMode:        atomic.NewBool(false),
		lowResourceMode: atomic.NewBool(false),
		nonInteractive:  nonInteractive,
	}
}

// MonitorRunning reports the liveness flag polled by the monitor loop
func (s *State) MonitorRunning() bool {
	return s.monitorRunning.Load()
}

// StopMonitor clears the liveness flag. It reports whether this call did it;
// the flag never becomes true again.
func (s *State) StopMonitor() bool {
	return s.monitorRunning.CompareAndSwap(true, false)
}

func (s *State) InCriticalSection() bool {
	return s.criticalSection.Load()
}

// EnterCriticalSection marks a long disruptive operation as in flight.
// The returned leave func clears the flag and may be called more than once.
func (s *State) EnterCriticalSection() (leave func()) {
	s.criticalSection.Store(true)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.criticalSection.Store(false)
		})
	}
}

func (s *State) SafeMode() bool {
	return s.safeMode.Load()
}

func (s *State) SetSafeMode(enabled bool) {
	s.safeMode.Store(enabled)
}

func (s *State) LowResourceMode() bool {
	return s.lowResourceMode.Load()
}

func (s *State) SetLowResourceMode(enabled bool) {
	s.lowResourceMode.Store(enabled)
}

func (s *State) NonInteractive() bool {
	return s.nonInteractive
}
