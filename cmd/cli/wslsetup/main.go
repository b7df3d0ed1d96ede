package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/metrics"
	"github.com/core-tools/hsu-provision/pkg/provision"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	NonInteractive bool   `long:"non-interactive" description:"exit without waiting for Enter"`
	Config         string `long:"config" description:"path to the YAML configuration file"`
	LogLevel       string `long:"log-level" description:"log level: debug, info, warn, error"`
	LogFile        string `long:"log-file" description:"also write logs to this file"`
	MetricsFile    string `long:"metrics-file" description:"write run metrics in textfile format on exit"`
	LockFile       string `long:"lock-file" description:"PID file guarding against concurrent runs"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		return provision.ExitFailure
	}

	if os.Getenv("NONINTERACTIVE") == "1" {
		opts.NonInteractive = true
	}

	setConsoleUTF8()

	config := provision.DefaultConfig()
	if opts.Config != "" {
		config, err = provision.LoadConfigFromFile(opts.Config)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			return provision.ExitFailure
		}
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		config.Logging.File = opts.LogFile
	}
	if opts.MetricsFile != "" {
		config.MetricsFile = opts.MetricsFile
	}
	if opts.LockFile != "" {
		config.LockFile = opts.LockFile
	}

	if err := provision.ValidateConfig(config); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		return provision.ExitFailure
	}

	zapLogger, err := logging.NewZapLogger(config.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return provision.ExitFailure
	}
	defer zapLogger.Sync()

	runID := uuid.New().String()
	logger := logging.FromZap(zapLogger.With(zap.String("run_id", runID)), "")

	logger.Infof("Starting subsystem provisioning, non_interactive: %v, config: %q", opts.NonInteractive, opts.Config)

	m := metrics.New()
	code := provision.Run(context.Background(), config, provision.RunOptions{
		NonInteractive: opts.NonInteractive,
		Metrics:        m,
	}, logger)

	if err := m.WriteTextfile(config.MetricsFile); err != nil {
		logger.Errorf("Failed to write metrics: %v", err)
	}

	return code
}
