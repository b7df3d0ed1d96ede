package monitoring

import (
	"time"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

// Action is what a single memory sample calls for
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionWarnTrim
	ActionCriticalTrim
	ActionCleanup
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarn:
		return "warn"
	case ActionWarnTrim:
		return "warn_trim"
	case ActionCriticalTrim:
		return "critical_trim"
	case ActionCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

type Config struct {
	Interval   time.Duration `yaml:"interval"`
	CriticalMB int64         `yaml:"critical_mb"`
	LowMB      int64         `yaml:"low_mb"`
}

func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		CriticalMB: 200,
		LowMB:      500,
	}
}

func ValidateConfig(config Config) error {
	if config.Interval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil).WithContext("interval", config.Interval)
	}
	if config.CriticalMB <= 0 {
		return errors.NewValidationError("critical threshold must be positive", nil).WithContext("critical_mb", config.CriticalMB)
	}
	if config.LowMB <= config.CriticalMB {
		return errors.NewValidationError("low threshold must be above the critical threshold", nil).
			WithContext("critical_mb", config.CriticalMB).WithContext("low_mb", config.LowMB)
	}
	return nil
}

// Classify maps a sample to an action using the default thresholds
func Classify(freeMB int64, inCriticalSection, lowResourceMode bool) Action {
	return DefaultConfig().Classify(freeMB, inCriticalSection, lowResourceMode)
}

func (c Config) Classify(freeMB int64, inCriticalSection, lowResourceMode bool) Action {
	switch {
	case freeMB < c.CriticalMB:
		if inCriticalSection {
			return ActionCriticalTrim
		}
		return ActionCleanup
	case freeMB < c.LowMB:
		if lowResourceMode {
			return ActionWarnTrim
		}
		return ActionWarn
	default:
		return ActionNone
	}
}
