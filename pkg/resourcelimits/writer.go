package resourcelimits

import (
	"strconv"

	"github.com/go-ini/ini"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/logging"
)

// Limits is the rendered content of the resource-limit file
type Limits struct {
	MemoryMB            int64
	Processors          int
	Swap                string
	LocalhostForwarding bool
}

func (c Config) Limits(freeMB int64, safeMode bool) Limits {
	return Limits{
		MemoryMB:            c.SelectMemoryMB(freeMB, safeMode),
		Processors:          c.Processors,
		Swap:                c.Swap,
		LocalhostForwarding: c.LocalhostForwarding == nil || *c.LocalhostForwarding,
	}
}

type Writer struct {
	config Config
	logger logging.Logger
}

func NewWriter(config Config, logger logging.Logger) *Writer {
	if config.Path == "" {
		config.Path = DefaultPath()
	}
	return &Writer{
		config: config,
		logger: logger,
	}
}

func (w *Writer) Path() string {
	return w.config.Path
}

// Write replaces the file with a single section holding the limits
func (w *Writer) Write(freeMB int64, safeMode bool) (Limits, error) {
	limits := w.config.Limits(freeMB, safeMode)

	file := ini.Empty()
	section, err := file.NewSection(w.config.Section)
	if err != nil {
		return limits, errors.NewInternalError("failed to create resource limit section", err).WithContext("section", w.config.Section)
	}

	for _, kv := range [][2]string{
		{"memory", formatMB(limits.MemoryMB)},
		{"processors", strconv.Itoa(limits.Processors)},
		{"swap", limits.Swap},
		{"localhostForwarding", strconv.FormatBool(limits.LocalhostForwarding)},
	} {
		if kv[1] == "" {
			continue
		}
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return limits, errors.NewInternalError("failed to set resource limit", err).WithContext("key", kv[0])
		}
	}

	if err := file.SaveTo(w.config.Path); err != nil {
		return limits, errors.NewIOError("failed to write resource limit file", err).WithContext("path", w.config.Path)
	}

	w.logger.Infof("Resource limits written, path: %s, memory: %s, processors: %d, swap: %s",
		w.config.Path, formatMB(limits.MemoryMB), limits.Processors, limits.Swap)
	return limits, nil
}
