package provision

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/hostmem"
	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/metrics"
	"github.com/core-tools/hsu-provision/pkg/monitoring"
	"github.com/core-tools/hsu-provision/pkg/process"
	"github.com/core-tools/hsu-provision/pkg/processfile"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/resourcelimits"
	"github.com/core-tools/hsu-provision/pkg/rootfs"
	"github.com/core-tools/hsu-provision/pkg/runstate"
)

const (
	ExitSuccess = 0
	ExitFailure = 1

	pausePrompt = "Press Enter to exit..."
)

type RunOptions struct {
	NonInteractive bool
	Metrics        *metrics.Metrics

	// Executor and Probe replace the host-backed defaults when set
	Executor process.Executor
	Probe    hostmem.Probe

	Stdin  io.Reader
	Stdout io.Writer
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s, ", module)
}

// Run wires the components for config and runs the provisioning sequence.
// It returns the process exit code.
func Run(ctx context.Context, config *Config, options RunOptions, logger logging.Logger) int {
	state := runstate.New(options.NonInteractive)

	if config.LockFile != "" {
		lock, err := processfile.AcquireLock(config.LockFile, logging.WithPrefix(logger, logPrefix("lock")))
		if err != nil {
			logger.Errorf("FATAL: %v", err)
			return ExitFailure
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warnf("Failed to release lock: %v", err)
			}
		}()
	}

	executor := options.Executor
	if executor == nil {
		executor = process.NewExecutor(process.ExecutorOptions{
			KillRules: config.KillRules,
			OnTimeout: func(cmd process.Command) {
				options.Metrics.ObserveTimeout(cmd.Name)
			},
		}, logging.WithPrefix(logger, logPrefix("executor")))
	}

	probe := options.Probe
	if probe == nil {
		query, err := process.ParseCommand(config.Memory.Query)
		if err != nil {
			query = hostmem.DefaultQueryCommand()
		}
		probe = hostmem.NewProbe(config.Memory.Probe, executor, query, logging.WithPrefix(logger, logPrefix("hostmem")))
	}

	reclaimLogger := logging.WithPrefix(logger, logPrefix("reclaim"))
	host := hostops.NewHost(executor, config.Host, reclaimLogger)
	cleaner := reclaim.NewCleaner(host, config.Cleanup, reclaimLogger)

	monitor := monitoring.NewMonitor(config.Monitor, monitoring.Dependencies{
		Probe:    probe,
		RunState: state,
		Trimmer:  reclaim.NewTrimmer(reclaim.DefaultTrimTimeout, reclaimLogger),
		Cleaner:  cleaner,
		Metrics:  options.Metrics,
	}, logging.WithPrefix(logger, logPrefix("monitor")))

	stepsLogger := logging.WithPrefix(logger, logPrefix("provision"))
	steps := NewSteps(StepDependencies{
		Executor: executor,
		RunState: state,
		Probe:    probe,
		Host:     host,
		Cleaner:  cleaner,
		Limits:   resourcelimits.NewWriter(config.Limits, stepsLogger),
		Fetcher:  rootfs.NewFetcher(executor, config.RootFS, stepsLogger),
	}, config, stepsLogger)

	return NewRunner(steps, monitor, state, options, stepsLogger).Run(ctx)
}

type Runner struct {
	steps   *Steps
	monitor monitoring.Monitor
	state   *runstate.State
	metrics *metrics.Metrics
	stdin   io.Reader
	stdout  io.Writer
	logger  logging.Logger

	err *errors.DomainError
}

func NewRunner(steps *Steps, monitor monitoring.Monitor, state *runstate.State, options RunOptions, logger logging.Logger) *Runner {
	stdin := options.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Runner{
		steps:   steps,
		monitor: monitor,
		state:   state,
		metrics: options.Metrics,
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger,
	}
}

// Run starts the monitor and executes the stages in order. Fatal stages abort
// the run; subsystem repair and toolchain verification failures do not.
func (r *Runner) Run(ctx context.Context) int {
	r.logger.Infof("Starting provisioning...")
	r.monitor.Start(ctx)

	r.step("check_memory", func() bool {
		r.steps.CheckMemory(ctx)
		return true
	})

	if !r.step("check_subsystem", func() bool { return r.steps.CheckSubsystem(ctx) }) {
		r.step("install_subsystem", func() bool {
			r.steps.InstallSubsystem(ctx)
			return true
		})
		if !r.step("recheck_subsystem", func() bool { return r.steps.CheckSubsystem(ctx) }) {
			return r.fail("recheck_subsystem", "Failed to install/enable the subsystem. Please restart and try again.")
		}
	}

	r.step("configure_limits", func() bool {
		r.steps.ConfigureLimits(ctx)
		return true
	})

	if !r.step("install_dependencies", func() bool { return r.steps.InstallDependencies(ctx) }) {
		return r.fail("install_dependencies", "Failed to install dependencies.")
	}

	if !r.step("setup_toolchain", func() bool { return r.steps.SetupToolchain(ctx) }) {
		return r.fail("setup_toolchain", "Failed to set up toolchain.")
	}

	if !r.step("verify_toolchain", func() bool { return r.steps.VerifyToolchain(ctx) }) {
		r.logger.Warnf("Toolchain verification failed. Environment might be unstable.")
	}

	if !r.step("build_project", func() bool { return r.steps.BuildProject(ctx) }) {
		return r.fail("build_project", "Failed to build project.")
	}

	r.logger.Infof("Setup completed successfully!")
	return r.finish(ExitSuccess)
}

// Err returns the step error that aborted the last Run, or nil
func (r *Runner) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

func (r *Runner) step(name string, fn func() bool) bool {
	start := time.Now()
	ok := fn()
	duration := time.Since(start)
	r.metrics.ObserveStep(name, duration, ok)
	r.logger.Debugf("Step finished, step: %s, ok: %v, duration: %v", name, ok, duration)
	return ok
}

func (r *Runner) fail(step, message string) int {
	r.err = errors.NewStepError(step, stderrors.New(message))
	r.logger.Errorf("FATAL: %s", message)
	r.logger.Debugf("Run aborted: %v, context: %v", r.err, r.err.Context)
	return r.finish(ExitFailure)
}

func (r *Runner) finish(code int) int {
	if r.state.StopMonitor() {
		r.logger.Debugf("Resource monitor signalled to stop")
	}
	if !r.state.NonInteractive() {
		r.pause()
	}
	return code
}

func (r *Runner) pause() {
	fmt.Fprint(r.stdout, pausePrompt)
	_, _ = bufio.NewReader(r.stdin).ReadString('\n')
}
