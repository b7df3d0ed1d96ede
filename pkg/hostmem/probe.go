package hostmem

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/mem"

	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process"
)

// Probe reports host free memory in megabytes. ok is false when the query
// failed or its output could not be parsed.
type Probe interface {
	FreeMemoryMB(ctx context.Context) (freeMB int64, ok bool)
}

type ProbeType string

const (
	ProbeTypeCommand ProbeType = "command"
	ProbeTypeSystem  ProbeType = "system"
	ProbeTypeAuto    ProbeType = "auto"
)

// DefaultQueryCommand is the Windows query whose output is "FreePhysicalMemory=<kb>"
func DefaultQueryCommand() process.Command {
	return process.NewCommand("wmic", "OS", "get", "FreePhysicalMemory", "/value")
}

type commandProbe struct {
	executor process.Executor
	query    process.Command
	logger   logging.Logger
}

// NewCommandProbe queries free memory by capturing the output of query
func NewCommandProbe(executor process.Executor, query process.Command, logger logging.Logger) Probe {
	return &commandProbe{
		executor: executor,
		query:    query,
		logger:   logger,
	}
}

func (p *commandProbe) FreeMemoryMB(ctx context.Context) (int64, bool) {
	output := p.executor.Output(ctx, p.query)
	if output == process.OutputError {
		return 0, false
	}
	kb, ok := ParseFreeMemoryKB(output)
	if !ok {
		p.logger.Debugf("Unparseable memory query output: %q", output)
		return 0, false
	}
	return KBToMB(kb), true
}

type virtualMemoryFunc func(ctx context.Context) (*mem.VirtualMemoryStat, error)

type systemProbe struct {
	virtualMemory virtualMemoryFunc
	logger        logging.Logger
}

// NewSystemProbe reads available memory through gopsutil
func NewSystemProbe(logger logging.Logger) Probe {
	return &systemProbe{
		virtualMemory: mem.VirtualMemoryWithContext,
		logger:        logger,
	}
}

func (p *systemProbe) FreeMemoryMB(ctx context.Context) (int64, bool) {
	stat, err := p.virtualMemory(ctx)
	if err != nil || stat == nil {
		p.logger.Debugf("Virtual memory query failed: %v", err)
		return 0, false
	}
	return int64(stat.Available / (1024 * 1024)), true
}

// NewProbe picks the probe for probeType. Auto uses the query command on
// Windows and gopsutil elsewhere.
func NewProbe(probeType ProbeType, executor process.Executor, query process.Command, logger logging.Logger) Probe {
	switch probeType {
	case ProbeTypeCommand:
		return NewCommandProbe(executor, query, logger)
	case ProbeTypeSystem:
		return NewSystemProbe(logger)
	default:
		if runtime.GOOS == "windows" {
			return NewCommandProbe(executor, query, logger)
		}
		return NewSystemProbe(logger)
	}
}
