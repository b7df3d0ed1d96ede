package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/core-tools/hsu-provision/pkg/logging"
)

const (
	// StatusTimeout is returned by RunWithTimeout when the deadline fires first.
	// No real exit status can collide with it.
	StatusTimeout = -1

	// StatusLaunchFailed is returned when the child could not be started at all
	StatusLaunchFailed = -2

	// OutputError is returned by Output when the process or its pipe cannot be set up
	OutputError = "ERROR"

	outputChunkSize = 128
)

// Executor is the single seam between provisioning logic and the host OS
type Executor interface {
	// Run executes cmd synchronously and returns its exit status
	Run(ctx context.Context, cmd Command, silent bool) int

	// RunWithTimeout executes cmd and waits at most timeout.
	// On expiry the child is abandoned and StatusTimeout is returned.
	RunWithTimeout(ctx context.Context, cmd Command, timeout time.Duration, silent bool) int

	// Output executes cmd and returns its combined stdout and stderr
	Output(ctx context.Context, cmd Command) string
}

// KillRule issues Kill when a timed out command line contains Pattern
type KillRule struct {
	Pattern string  `yaml:"pattern"`
	Kill    Command `yaml:"kill"`
}

// DefaultKillRules force-kills the subsystem front-end after a timed out wsl call
func DefaultKillRules() []KillRule {
	return []KillRule{
		{
			Pattern: "wsl",
			Kill:    NewCommand("taskkill", "/F", "/IM", "wsl.exe"),
		},
	}
}

type ExecutorOptions struct {
	KillRules []KillRule

	// OnTimeout is called once per timed out command, after the kill rules ran
	OnTimeout func(cmd Command)
}

type executor struct {
	options ExecutorOptions
	logger  logging.Logger
}

func NewExecutor(options ExecutorOptions, logger logging.Logger) Executor {
	return &executor{
		options: options,
		logger:  logger,
	}
}

func (e *executor) Run(ctx context.Context, cmd Command, silent bool) int {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	setupProcessAttributes(c)

	if !silent {
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	}

	e.logger.Debugf("Running command: %s, silent: %v", cmd, silent)

	err := c.Run()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}

	e.logger.Debugf("Failed to launch command: %s, error: %v", cmd, err)
	return StatusLaunchFailed
}

func (e *executor) RunWithTimeout(ctx context.Context, cmd Command, timeout time.Duration, silent bool) int {
	done := make(chan int, 1)
	go func() {
		done <- e.Run(ctx, cmd, silent)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-done:
		return status
	case <-timer.C:
		e.logger.Warnf("Command timed out: %s", cmd)
		e.applyKillRules(ctx, cmd)
		if e.options.OnTimeout != nil {
			e.options.OnTimeout(cmd)
		}
		return StatusTimeout
	}
}

// applyKillRules is best-effort. Descendants of the abandoned child may survive.
func (e *executor) applyKillRules(ctx context.Context, cmd Command) {
	line := cmd.String()
	for _, rule := range e.options.KillRules {
		if rule.Pattern == "" || !strings.Contains(line, rule.Pattern) {
			continue
		}
		status := e.Run(ctx, rule.Kill, true)
		e.logger.Debugf("Kill rule applied, pattern: %s, kill: %s, status: %d", rule.Pattern, rule.Kill, status)
	}
}

func (e *executor) Output(ctx context.Context, cmd Command) string {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	setupProcessAttributes(c)

	reader, writer := io.Pipe()
	c.Stdout = writer
	c.Stderr = writer

	if err := c.Start(); err != nil {
		e.logger.Debugf("Failed to start output capture: %s, error: %v", cmd, err)
		writer.Close()
		return OutputError
	}

	go func() {
		// Wait returns only after both copy goroutines drained into the pipe
		_ = c.Wait()
		writer.Close()
	}()

	var result bytes.Buffer
	chunk := make([]byte, outputChunkSize)
	for {
		n, err := reader.Read(chunk)
		result.Write(chunk[:n])
		if err != nil {
			break
		}
	}

	return result.String()
}
