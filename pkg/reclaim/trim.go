// Package reclaim releases host memory: a cheap trim of the current process and
// a disruptive cleanup that kills a helper process and restarts subsystem services.
package reclaim

import (
	"runtime/debug"
	"time"

	"github.com/core-tools/hsu-provision/pkg/logging"
)

const DefaultTrimTimeout = 500 * time.Millisecond

// Trimmer asks the OS to take back idle pages. Trim never fails the caller.
type Trimmer interface {
	Trim()
}

type trimmer struct {
	timeout time.Duration
	trim    func() error
	logger  logging.Logger
}

func NewTrimmer(timeout time.Duration, logger logging.Logger) Trimmer {
	if timeout <= 0 {
		timeout = DefaultTrimTimeout
	}
	return &trimmer{
		timeout: timeout,
		trim:    trimWorkingSet,
		logger:  logger,
	}
}

func (t *trimmer) Trim() {
	done := make(chan error, 1)
	go func() {
		debug.FreeOSMemory()
		done <- t.trim()
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.logger.Debugf("Working set trim failed, error: %v", err)
			return
		}
		t.logger.Debugf("Working set trimmed")
	case <-timer.C:
		t.logger.Debugf("Working set trim still running after %v, not waiting", t.timeout)
	}
}
