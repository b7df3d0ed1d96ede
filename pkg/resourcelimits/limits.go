// Package resourcelimits renders the per-user subsystem resource-limit file.
package resourcelimits

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

const (
	DefaultFileName = ".wslconfig"
	DefaultSection  = "wsl2"
)

// Tier is a memory cap chosen from free host memory
type Tier struct {
	BelowMB  int64 `yaml:"below_mb"`
	MemoryMB int64 `yaml:"memory_mb"`
}

type Config struct {
	Path                string `yaml:"path"`
	Section             string `yaml:"section"`
	Tiers               []Tier `yaml:"tiers"`
	MaxMemoryMB         int64  `yaml:"max_memory_mb"`
	SafeModeMemoryMB    int64  `yaml:"safe_mode_memory_mb"`
	Processors          int    `yaml:"processors"`
	Swap                string `yaml:"swap"`
	LocalhostForwarding *bool  `yaml:"localhost_forwarding,omitempty"` // nil means enabled
}

func DefaultConfig() Config {
	forwarding := true
	return Config{
		Section: DefaultSection,
		Tiers: []Tier{
			{BelowMB: 1000, MemoryMB: 512},
			{BelowMB: 2500, MemoryMB: 1024},
		},
		MaxMemoryMB:         2048,
		SafeModeMemoryMB:    512,
		Processors:          1,
		Swap:                "4GB",
		LocalhostForwarding: &forwarding,
	}
}

func ValidateConfig(config Config) error {
	if config.Section == "" {
		return errors.NewValidationError("resource limit section is required", nil)
	}
	if config.MaxMemoryMB <= 0 || config.SafeModeMemoryMB <= 0 {
		return errors.NewValidationError("memory limits must be positive", nil).
			WithContext("max_memory_mb", config.MaxMemoryMB).WithContext("safe_mode_memory_mb", config.SafeModeMemoryMB)
	}
	var previous int64
	for i, tier := range config.Tiers {
		if tier.BelowMB <= previous || tier.MemoryMB <= 0 {
			return errors.NewValidationError("memory tiers must be ascending with positive limits", nil).WithContext("tier", i)
		}
		previous = tier.BelowMB
	}
	if config.Processors <= 0 {
		return errors.NewValidationError("processor limit must be positive", nil).WithContext("processors", config.Processors)
	}
	return nil
}

// SelectMemoryMB picks the memory cap. Safe mode always gets the smallest cap.
func (c Config) SelectMemoryMB(freeMB int64, safeMode bool) int64 {
	if safeMode {
		return c.SafeModeMemoryMB
	}
	for _, tier := range c.Tiers {
		if freeMB < tier.BelowMB {
			return tier.MemoryMB
		}
	}
	return c.MaxMemoryMB
}

// DefaultPath returns the per-user location of the resource-limit file
func DefaultPath() string {
	return filepath.Join(userDir(), DefaultFileName)
}

func userDir() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("USERPROFILE"); dir != "" {
			return dir
		}
		return `C:\`
	}
	if dir := os.Getenv("HOME"); dir != "" {
		return dir
	}
	return "/"
}

func formatMB(mb int64) string {
	return fmt.Sprintf("%dMB", mb)
}
