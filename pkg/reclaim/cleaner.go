package reclaim

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
)

// CleanupTargets names what a disruptive cleanup kills and restarts
type CleanupTargets struct {
	HelperProcess  string `yaml:"helper_process"`
	RestartService string `yaml:"restart_service"`
	EnsureService  string `yaml:"ensure_service"`
}

func DefaultCleanupTargets() CleanupTargets {
	return CleanupTargets{
		HelperProcess:  "rust-analyzer.exe",
		RestartService: "LxssManager",
		EnsureService:  "vmcompute",
	}
}

// Cleaner performs a disruptive cleanup. Every action is attempted regardless
// of earlier failures.
type Cleaner interface {
	Clean(ctx context.Context)
}

type cleaner struct {
	host    *hostops.Host
	targets CleanupTargets
	logger  logging.Logger
}

func NewCleaner(host *hostops.Host, targets CleanupTargets, logger logging.Logger) Cleaner {
	return &cleaner{
		host:    host,
		targets: targets,
		logger:  logger,
	}
}

func (c *cleaner) Clean(ctx context.Context) {
	c.logger.Infof("Attempting to clean memory...")

	failures := errors.NewErrorCollection()
	check := func(action string, status int) {
		if status != 0 {
			failures.Add(errors.NewProcessError(fmt.Sprintf("%s returned status %d", action, status), nil))
		}
	}

	if c.targets.HelperProcess != "" {
		check("kill "+c.targets.HelperProcess, c.host.KillProcess(ctx, c.targets.HelperProcess))
	}

	if c.targets.RestartService != "" {
		c.logger.Infof("Restarting %s service...", c.targets.RestartService)
		check("stop "+c.targets.RestartService, c.host.StopService(ctx, c.targets.RestartService))
		check("start "+c.targets.RestartService, c.host.StartService(ctx, c.targets.RestartService))
	}

	if c.targets.EnsureService != "" {
		c.logger.Infof("Ensuring %s service is running...", c.targets.EnsureService)
		check("start "+c.targets.EnsureService, c.host.StartService(ctx, c.targets.EnsureService))
	}

	if failures.HasErrors() {
		c.logger.Debugf("Memory cleanup finished with failures: %v", failures.ToError())
	}
	c.logger.Infof("Memory cleanup commands executed.")
}
