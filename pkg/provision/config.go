package provision

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/hostmem"
	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/monitoring"
	"github.com/core-tools/hsu-provision/pkg/process"
	"github.com/core-tools/hsu-provision/pkg/processfile"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/resourcelimits"
	"github.com/core-tools/hsu-provision/pkg/rootfs"
)

// Config represents the top-level configuration file structure
type Config struct {
	Subsystem   SubsystemConfig        `yaml:"subsystem"`
	Memory      MemoryConfig           `yaml:"memory"`
	Monitor     monitoring.Config      `yaml:"monitor"`
	Host        hostops.Templates      `yaml:"host"`
	Cleanup     reclaim.CleanupTargets `yaml:"cleanup"`
	KillRules   []process.KillRule     `yaml:"kill_rules"`
	Limits      resourcelimits.Config  `yaml:"limits"`
	RootFS      rootfs.FetchConfig     `yaml:"rootfs"`
	Packages    PackagesConfig         `yaml:"packages"`
	Toolchain   ToolchainConfig        `yaml:"toolchain"`
	Build       BuildConfig            `yaml:"build"`
	Timeouts    TimeoutsConfig         `yaml:"timeouts"`
	Logging     logging.ZapConfig      `yaml:"logging"`
	MetricsFile string                 `yaml:"metrics_file,omitempty"`
	LockFile    string                 `yaml:"lock_file,omitempty"`
}

type SubsystemConfig struct {
	Command         string        `yaml:"command"` // front-end executable, "wsl"
	Distro          string        `yaml:"distro"`
	LegacyDistros   []string      `yaml:"legacy_distros"` // unregistered before import
	Service         string        `yaml:"service"`
	FrontendProcess string        `yaml:"frontend_process"`
	Features        []string      `yaml:"features"` // optional OS features enabled on repair
	DataDir         string        `yaml:"data_dir"`
	StaleDirs       []string      `yaml:"stale_dirs"`
	ImportVersions  []int         `yaml:"import_versions"` // tried in order
	OSCaptionQuery  string        `yaml:"os_caption_query"`
	ServerMarker    string        `yaml:"server_marker"`
	RestartWait     time.Duration `yaml:"restart_wait"`
}

type MemoryConfig struct {
	Probe              hostmem.ProbeType `yaml:"probe"`
	Query              string            `yaml:"query"`
	SafeModeBelowMB    int64             `yaml:"safe_mode_below_mb"`
	LowResourceBelowMB int64             `yaml:"low_resource_below_mb"`
}

type PackagesConfig struct {
	Nameserver       string        `yaml:"nameserver"`
	Install          []string      `yaml:"install"`
	UpdateRetryDelay time.Duration `yaml:"update_retry_delay"`
}

type ToolchainConfig struct {
	Packages       []string `yaml:"packages"`
	VersionCommand string   `yaml:"version_command"`
	VerifyDir      string   `yaml:"verify_dir"`
	VerifySource   string   `yaml:"verify_source"`
}

type BuildConfig struct {
	ManifestPath string   `yaml:"manifest_path"`
	TargetDir    string   `yaml:"target_dir"`
	LockFile     string   `yaml:"lock_file"`
	PreCommands  []string `yaml:"pre_commands"`
}

type TimeoutsConfig struct {
	Status         time.Duration `yaml:"status"`
	StatusRecheck  time.Duration `yaml:"status_recheck"`
	DistroCheck    time.Duration `yaml:"distro_check"`
	PackageUpdate  time.Duration `yaml:"package_update"`
	PackageInstall time.Duration `yaml:"package_install"`
	ToolchainCheck time.Duration `yaml:"toolchain_check"`
	Compile        time.Duration `yaml:"compile"`
	RunCompiled    time.Duration `yaml:"run_compiled"`
}

const DefaultVerifySource = `fn main() { println!("Hello from WSL Portable Rust!"); }` + "\n"

func DefaultConfig() *Config {
	return &Config{
		Subsystem: SubsystemConfig{
			Command:         "wsl",
			Distro:          "Alpine",
			LegacyDistros:   []string{"Ubuntu-22.04"},
			Service:         "LxssManager",
			FrontendProcess: "wsl.exe",
			Features:        []string{"Microsoft-Windows-Subsystem-Linux", "VirtualMachinePlatform"},
			DataDir:         "Ubuntu_Data",
			StaleDirs:       []string{"Ubuntu_Extract"},
			ImportVersions:  []int{2, 1},
			OSCaptionQuery:  "wmic os get caption",
			ServerMarker:    "Server",
			RestartWait:     10 * time.Second,
		},
		Memory: MemoryConfig{
			Probe:              hostmem.ProbeTypeAuto,
			Query:              hostmem.DefaultQueryCommand().String(),
			SafeModeBelowMB:    1000,
			LowResourceBelowMB: 2000,
		},
		Monitor:   monitoring.DefaultConfig(),
		Host:      hostops.DefaultTemplates(),
		Cleanup:   reclaim.DefaultCleanupTargets(),
		KillRules: process.DefaultKillRules(),
		LockFile:  processfile.DefaultLockPath(),
		Limits:    resourcelimits.DefaultConfig(),
		RootFS:    rootfs.DefaultFetchConfig(),
		Packages: PackagesConfig{
			Nameserver:       "8.8.8.8",
			Install:          []string{"build-base", "curl", "git", "bash", "openssl-dev"},
			UpdateRetryDelay: 2 * time.Second,
		},
		Toolchain: ToolchainConfig{
			Packages:       []string{"rust", "cargo"},
			VersionCommand: "cargo --version",
			VerifyDir:      "test_code",
			VerifySource:   DefaultVerifySource,
		},
		Build: BuildConfig{
			ManifestPath: "Cargo.toml",
			TargetDir:    "no_code/target",
			LockFile:     "Cargo.lock",
			PreCommands: []string{
				"cargo add url@=2.4.1 --manifest-path Cargo.toml",
				"cargo update -p native-tls --precise 0.2.11 --manifest-path Cargo.toml",
				"cargo update -p indexmap --precise 2.2.6 --manifest-path Cargo.toml",
			},
		},
		Timeouts: TimeoutsConfig{
			Status:         10 * time.Second,
			StatusRecheck:  20 * time.Second,
			DistroCheck:    10 * time.Second,
			PackageUpdate:  60 * time.Second,
			PackageInstall: 300 * time.Second,
			ToolchainCheck: 30 * time.Second,
			Compile:        60 * time.Second,
			RunCompiled:    10 * time.Second,
		},
		Logging: logging.DefaultZapConfig(),
	}
}

// LoadConfigFromFile loads configuration from a YAML file. Omitted settings keep
// their defaults.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

func setDefault[T comparable](value *T, fallback T) {
	var zero T
	if *value == zero {
		*value = fallback
	}
}

func setSliceDefault[T any](value *[]T, fallback []T) {
	if len(*value) == 0 {
		*value = fallback
	}
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	d := DefaultConfig()

	s := &config.Subsystem
	setDefault(&s.Command, d.Subsystem.Command)
	setDefault(&s.Distro, d.Subsystem.Distro)
	setSliceDefault(&s.LegacyDistros, d.Subsystem.LegacyDistros)
	setDefault(&s.Service, d.Subsystem.Service)
	setDefault(&s.FrontendProcess, d.Subsystem.FrontendProcess)
	setSliceDefault(&s.Features, d.Subsystem.Features)
	setDefault(&s.DataDir, d.Subsystem.DataDir)
	setSliceDefault(&s.StaleDirs, d.Subsystem.StaleDirs)
	setSliceDefault(&s.ImportVersions, d.Subsystem.ImportVersions)
	setDefault(&s.OSCaptionQuery, d.Subsystem.OSCaptionQuery)
	setDefault(&s.ServerMarker, d.Subsystem.ServerMarker)
	setDefault(&s.RestartWait, d.Subsystem.RestartWait)

	m := &config.Memory
	setDefault(&m.Probe, d.Memory.Probe)
	setDefault(&m.Query, d.Memory.Query)
	setDefault(&m.SafeModeBelowMB, d.Memory.SafeModeBelowMB)
	setDefault(&m.LowResourceBelowMB, d.Memory.LowResourceBelowMB)

	setDefault(&config.LockFile, d.LockFile)

	setDefault(&config.Monitor.Interval, d.Monitor.Interval)
	setDefault(&config.Monitor.CriticalMB, d.Monitor.CriticalMB)
	setDefault(&config.Monitor.LowMB, d.Monitor.LowMB)

	setDefault(&config.Host.KillProcess, d.Host.KillProcess)
	setDefault(&config.Host.StopService, d.Host.StopService)
	setDefault(&config.Host.StartService, d.Host.StartService)

	c := &config.Cleanup
	setDefault(&c.HelperProcess, d.Cleanup.HelperProcess)
	setDefault(&c.RestartService, d.Cleanup.RestartService)
	setDefault(&c.EnsureService, d.Cleanup.EnsureService)
	if config.KillRules == nil {
		config.KillRules = d.KillRules
	}

	l := &config.Limits
	setDefault(&l.Section, d.Limits.Section)
	setSliceDefault(&l.Tiers, d.Limits.Tiers)
	setDefault(&l.MaxMemoryMB, d.Limits.MaxMemoryMB)
	setDefault(&l.SafeModeMemoryMB, d.Limits.SafeModeMemoryMB)
	setDefault(&l.Processors, d.Limits.Processors)
	setDefault(&l.Swap, d.Limits.Swap)

	r := &config.RootFS
	setDefault(&r.URL, d.RootFS.URL)
	setDefault(&r.CacheDir, d.RootFS.CacheDir)
	setDefault(&r.FileName, d.RootFS.FileName)
	setSliceDefault(&r.Downloads, d.RootFS.Downloads)

	setDefault(&config.Packages.Nameserver, d.Packages.Nameserver)
	setSliceDefault(&config.Packages.Install, d.Packages.Install)
	setDefault(&config.Packages.UpdateRetryDelay, d.Packages.UpdateRetryDelay)

	t := &config.Toolchain
	setSliceDefault(&t.Packages, d.Toolchain.Packages)
	setDefault(&t.VersionCommand, d.Toolchain.VersionCommand)
	setDefault(&t.VerifyDir, d.Toolchain.VerifyDir)
	setDefault(&t.VerifySource, d.Toolchain.VerifySource)

	b := &config.Build
	setDefault(&b.ManifestPath, d.Build.ManifestPath)
	setDefault(&b.TargetDir, d.Build.TargetDir)
	setDefault(&b.LockFile, d.Build.LockFile)
	if b.PreCommands == nil {
		b.PreCommands = d.Build.PreCommands
	}

	to := &config.Timeouts
	setDefault(&to.Status, d.Timeouts.Status)
	setDefault(&to.StatusRecheck, d.Timeouts.StatusRecheck)
	setDefault(&to.DistroCheck, d.Timeouts.DistroCheck)
	setDefault(&to.PackageUpdate, d.Timeouts.PackageUpdate)
	setDefault(&to.PackageInstall, d.Timeouts.PackageInstall)
	setDefault(&to.ToolchainCheck, d.Timeouts.ToolchainCheck)
	setDefault(&to.Compile, d.Timeouts.Compile)
	setDefault(&to.RunCompiled, d.Timeouts.RunCompiled)

	setDefault(&config.Logging.Level, d.Logging.Level)
	setDefault(&config.Logging.Format, d.Logging.Format)
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSubsystemConfig(&config.Subsystem); err != nil {
		return errors.NewValidationError("invalid subsystem configuration", err)
	}

	if err := validateMemoryConfig(&config.Memory); err != nil {
		return errors.NewValidationError("invalid memory configuration", err)
	}

	if err := monitoring.ValidateConfig(config.Monitor); err != nil {
		return errors.NewValidationError("invalid monitor configuration", err)
	}

	if err := hostops.ValidateTemplates(config.Host); err != nil {
		return errors.NewValidationError("invalid host configuration", err)
	}

	if err := process.ValidateKillRules(config.KillRules); err != nil {
		return errors.NewValidationError("invalid kill rules", err)
	}

	if err := resourcelimits.ValidateConfig(config.Limits); err != nil {
		return errors.NewValidationError("invalid limits configuration", err)
	}

	if err := rootfs.ValidateFetchConfig(config.RootFS); err != nil {
		return errors.NewValidationError("invalid rootfs configuration", err)
	}

	if len(config.Packages.Install) == 0 {
		return errors.NewValidationError("at least one dependency package is required", nil)
	}
	if len(config.Toolchain.Packages) == 0 {
		return errors.NewValidationError("at least one toolchain package is required", nil)
	}
	if _, err := process.ParseCommand(config.Toolchain.VersionCommand); err != nil {
		return errors.NewValidationError("invalid toolchain version command", err)
	}

	if err := validateBuildConfig(&config.Build); err != nil {
		return errors.NewValidationError("invalid build configuration", err)
	}

	if err := validateTimeouts(&config.Timeouts); err != nil {
		return errors.NewValidationError("invalid timeouts configuration", err)
	}

	return nil
}

func validateSubsystemConfig(config *SubsystemConfig) error {
	if strings.TrimSpace(config.Command) == "" {
		return errors.NewValidationError("subsystem command is required", nil)
	}
	if strings.TrimSpace(config.Distro) == "" {
		return errors.NewValidationError("distro name is required", nil)
	}
	if config.DataDir == "" {
		return errors.NewValidationError("distro data directory is required", nil)
	}
	if len(config.ImportVersions) == 0 {
		return errors.NewValidationError("at least one import version is required", nil)
	}
	for _, version := range config.ImportVersions {
		if version != 1 && version != 2 {
			return errors.NewValidationError(fmt.Sprintf("unsupported import version: %d", version), nil).
				WithContext("supported_versions", "1, 2")
		}
	}
	if _, err := process.ParseCommand(config.OSCaptionQuery); err != nil {
		return errors.NewValidationError("invalid OS caption query", err)
	}
	return nil
}

func validateMemoryConfig(config *MemoryConfig) error {
	switch config.Probe {
	case hostmem.ProbeTypeAuto, hostmem.ProbeTypeCommand, hostmem.ProbeTypeSystem:
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported memory probe: %s", config.Probe), nil).
			WithContext("supported_probes", "auto, command, system")
	}
	if _, err := process.ParseCommand(config.Query); err != nil {
		return errors.NewValidationError("invalid memory query command", err)
	}
	if config.SafeModeBelowMB <= 0 || config.LowResourceBelowMB < config.SafeModeBelowMB {
		return errors.NewValidationError("memory mode thresholds must be positive and ascending", nil).
			WithContext("safe_mode_below_mb", config.SafeModeBelowMB).
			WithContext("low_resource_below_mb", config.LowResourceBelowMB)
	}
	return nil
}

func validateBuildConfig(config *BuildConfig) error {
	if config.ManifestPath == "" {
		return errors.NewValidationError("manifest path is required", nil)
	}
	if config.TargetDir == "" {
		return errors.NewValidationError("target directory is required", nil)
	}
	for i, line := range config.PreCommands {
		if _, err := process.ParseCommand(line); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid pre-command at index %d", i), err)
		}
	}
	return nil
}

func validateTimeouts(config *TimeoutsConfig) error {
	for name, timeout := range map[string]time.Duration{
		"status":          config.Status,
		"status_recheck":  config.StatusRecheck,
		"distro_check":    config.DistroCheck,
		"package_update":  config.PackageUpdate,
		"package_install": config.PackageInstall,
		"toolchain_check": config.ToolchainCheck,
		"compile":         config.Compile,
		"run_compiled":    config.RunCompiled,
	} {
		if timeout <= 0 {
			return errors.NewValidationError("timeout must be positive", nil).WithContext("timeout", name)
		}
	}
	return nil
}
