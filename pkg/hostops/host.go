// Package hostops renders host administration operations (kill a process by
// name, stop or start an OS service) from configurable command templates.
package hostops

import (
	"context"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process"
)

// Templates use {name} for the process or service name
type Templates struct {
	KillProcess  string `yaml:"kill_process"`
	StopService  string `yaml:"stop_service"`
	StartService string `yaml:"start_service"`
}

func DefaultTemplates() Templates {
	return Templates{
		KillProcess:  "taskkill /F /IM {name}",
		StopService:  "net stop {name} /y",
		StartService: "net start {name}",
	}
}

// ValidateTemplates checks every template renders with a sample name
func ValidateTemplates(templates Templates) error {
	for key, tpl := range map[string]string{
		"kill_process":  templates.KillProcess,
		"stop_service":  templates.StopService,
		"start_service": templates.StartService,
	} {
		if _, err := process.ExpandTemplate(tpl, map[string]string{"name": "sample"}); err != nil {
			return errors.NewValidationError("invalid host command template", err).WithContext("template", key)
		}
	}
	return nil
}

// Host runs fire-and-forget, exit-status-only host operations
type Host struct {
	executor  process.Executor
	templates Templates
	logger    logging.Logger
}

func NewHost(executor process.Executor, templates Templates, logger logging.Logger) *Host {
	return &Host{
		executor:  executor,
		templates: templates,
		logger:    logger,
	}
}

func (h *Host) KillProcess(ctx context.Context, name string) int {
	return h.run(ctx, h.templates.KillProcess, name)
}

func (h *Host) StopService(ctx context.Context, name string) int {
	return h.run(ctx, h.templates.StopService, name)
}

func (h *Host) StartService(ctx context.Context, name string) int {
	return h.run(ctx, h.templates.StartService, name)
}

// RestartService stops then starts name and returns the start status
func (h *Host) RestartService(ctx context.Context, name string) int {
	h.StopService(ctx, name)
	return h.StartService(ctx, name)
}

func (h *Host) run(ctx context.Context, tpl, name string) int {
	cmd, err := process.ExpandTemplate(tpl, map[string]string{"name": name})
	if err != nil {
		h.logger.Errorf("Failed to render host command, template: %q, name: %s, error: %v", tpl, name, err)
		return process.StatusLaunchFailed
	}
	status := h.executor.Run(ctx, cmd, true)
	if status != 0 {
		h.logger.Debugf("Host command returned non-zero status, cmd: %s, status: %d", cmd, status)
	}
	return status
}
