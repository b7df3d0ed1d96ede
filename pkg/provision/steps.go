// Package provision implements the provisioning steps and the sequential driver
// that runs them alongside the resource monitor.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/hostmem"
	"github.com/core-tools/hsu-provision/pkg/hostops"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process"
	"github.com/core-tools/hsu-provision/pkg/reclaim"
	"github.com/core-tools/hsu-provision/pkg/resourcelimits"
	"github.com/core-tools/hsu-provision/pkg/rootfs"
	"github.com/core-tools/hsu-provision/pkg/runstate"
)

const (
	verifySourceName = "test_compile.rs"
	verifyBinaryName = "test_compile"
)

type StepDependencies struct {
	Executor process.Executor
	RunState *runstate.State
	Probe    hostmem.Probe
	Host     *hostops.Host
	Cleaner  reclaim.Cleaner
	Limits   *resourcelimits.Writer
	Fetcher  *rootfs.Fetcher
}

// Steps holds the provisioning stages. Stage contracts are boolean; details are
// logged, not returned.
type Steps struct {
	deps   StepDependencies
	config *Config
	sleep  func(time.Duration)
	logger logging.Logger
}

func NewSteps(deps StepDependencies, config *Config, logger logging.Logger) *Steps {
	return &Steps{
		deps:   deps,
		config: config,
		sleep:  time.Sleep,
		logger: logger,
	}
}

func (s *Steps) subsystem(args ...string) process.Command {
	return process.NewCommand(s.config.Subsystem.Command, args...)
}

func (s *Steps) distro(args ...string) process.Command {
	return s.subsystem("-d", s.config.Subsystem.Distro).With(args...)
}

func (s *Steps) distroShell(script string) process.Command {
	return s.distro("bash", "-c", script)
}

// CheckMemory takes the initial free memory snapshot and sets the mode flags
func (s *Steps) CheckMemory(ctx context.Context) {
	s.logger.Infof("Checking system memory...")

	freeMB, ok := s.deps.Probe.FreeMemoryMB(ctx)
	if !ok {
		s.logger.Warnf("Failed to get memory info. Assuming sufficient.")
		return
	}
	s.logger.Infof("Free Memory: %d MB", freeMB)

	memory := s.config.Memory
	switch {
	case freeMB < memory.SafeModeBelowMB:
		s.logger.Warnf("Low memory detected (<%d MB). Enabling Safe Mode and cleaning.", memory.SafeModeBelowMB)
		s.deps.RunState.SetSafeMode(true)
		s.deps.RunState.SetLowResourceMode(true)
		s.deps.Cleaner.Clean(ctx)
	case freeMB < memory.LowResourceBelowMB:
		s.logger.Infof("Moderate memory (<%d MB). Enabling Low Resource Mode.", memory.LowResourceBelowMB)
		s.deps.RunState.SetLowResourceMode(true)
	default:
		s.logger.Infof("Memory is sufficient.")
	}
}

// CheckSubsystem reports whether the subsystem answers and the distro runs.
// An unresponsive subsystem gets one repair attempt.
func (s *Steps) CheckSubsystem(ctx context.Context) bool {
	s.logger.Debugf("Checking subsystem status...")
	timeouts := s.config.Timeouts

	if s.deps.Executor.RunWithTimeout(ctx, s.subsystem("--status"), timeouts.Status, true) != 0 {
		s.logger.Warnf("Subsystem status check failed. Attempting to repair...")
		s.enableFeatures(ctx, false)
		s.deps.Host.RestartService(ctx, s.config.Subsystem.Service)

		if s.deps.Executor.RunWithTimeout(ctx, s.subsystem("--status"), timeouts.StatusRecheck, true) != 0 {
			s.logger.Errorf("Subsystem is not responding even after repair attempts.")
			return false
		}
	}

	if s.deps.Executor.RunWithTimeout(ctx, s.distro("echo", "check"), timeouts.DistroCheck, true) != 0 {
		s.logger.Warnf("Distro %s not found or broken.", s.config.Subsystem.Distro)
		return false
	}

	s.logger.Infof("Subsystem (%s) is working.", s.config.Subsystem.Distro)
	return true
}

func (s *Steps) enableFeatures(ctx context.Context, quiet bool) {
	for _, feature := range s.config.Subsystem.Features {
		cmd := process.NewCommand("dism.exe", "/online", "/enable-feature", "/featurename:"+feature, "/all", "/norestart")
		if quiet {
			cmd = cmd.With("/Quiet")
		}
		if status := s.deps.Executor.Run(ctx, cmd, true); status != 0 {
			s.logger.Debugf("Feature enable returned non-zero status, feature: %s, status: %d", feature, status)
		}
	}
}

// InstallSubsystem installs or repairs the subsystem. Server editions cannot use
// the packaged installer, so the distro is imported manually there.
func (s *Steps) InstallSubsystem(ctx context.Context) {
	s.logger.Infof("Attempting to install/configure subsystem...")

	if s.isServerEdition(ctx) {
		s.logger.Infof("Server edition detected. Using server-specific setup...")
		s.enableFeatures(ctx, true)
		s.deps.Host.RestartService(ctx, s.config.Subsystem.Service)

		s.logger.Infof("Attempting to update subsystem kernel...")
		s.deps.Executor.Run(ctx, s.subsystem("--update"), true)

		if !s.InstallDistro(ctx) {
			s.logger.Errorf("Manual distro installation failed.")
		}
	} else {
		script := fmt.Sprintf("Start-Process '%s' -ArgumentList '--install' -Verb RunAs -Wait", s.config.Subsystem.Command)
		s.deps.Executor.Run(ctx, process.NewCommand("powershell", "-Command", script), false)

		if !s.CheckSubsystem(ctx) {
			s.logger.Warnf("Standard install failed or distro missing. Trying manual install...")
			s.InstallDistro(ctx)
		}
	}

	s.logger.Infof("Subsystem setup phase finished. Please restart if prompted.")
}

func (s *Steps) isServerEdition(ctx context.Context) bool {
	query, err := process.ParseCommand(s.config.Subsystem.OSCaptionQuery)
	if err != nil {
		s.logger.Warnf("Invalid OS caption query, assuming client edition: %v", err)
		return false
	}
	caption := s.deps.Executor.Output(ctx, query)
	if caption == process.OutputError {
		return false
	}
	return strings.Contains(caption, s.config.Subsystem.ServerMarker)
}

// InstallDistro imports the distro from a downloaded image. The monitor must not
// restart the subsystem service meanwhile, so the whole stage is a critical section.
func (s *Steps) InstallDistro(ctx context.Context) bool {
	subsystem := s.config.Subsystem
	s.logger.Infof("Starting %s installation (lightweight mode)...", subsystem.Distro)

	leave := s.deps.RunState.EnterCriticalSection()
	defer leave()

	if err := resetDataDir(subsystem.StaleDirs, subsystem.DataDir); err != nil {
		s.logger.Errorf("Failed to prepare distro directories: %v", err)
		return false
	}

	image, err := s.deps.Fetcher.Fetch(ctx)
	if err != nil {
		s.logger.Errorf("Failed to download distro image: %v", err)
		return false
	}

	s.logger.Infof("Importing %s distro...", subsystem.Distro)
	for _, name := range append(append([]string{}, subsystem.LegacyDistros...), subsystem.Distro) {
		s.deps.Executor.Run(ctx, s.subsystem("--unregister", name), true)
	}

	dataDir, err := filepath.Abs(subsystem.DataDir)
	if err != nil {
		s.logger.Errorf("Failed to resolve distro data directory: %v", err)
		return false
	}
	imagePath, err := filepath.Abs(image)
	if err != nil {
		s.logger.Errorf("Failed to resolve distro image path: %v", err)
		return false
	}

	for i, version := range subsystem.ImportVersions {
		if i > 0 {
			s.logger.Warnf("Import as version %d failed. Trying version %d fallback...", subsystem.ImportVersions[i-1], version)
		}
		cmd := s.subsystem("--import", subsystem.Distro, dataDir, imagePath, "--version", strconv.Itoa(version))
		if s.deps.Executor.Run(ctx, cmd, false) == 0 {
			if i > 0 {
				s.logger.Infof("Fallback to version %d successful.", version)
			}
			s.logger.Infof("%s installation successful.", subsystem.Distro)
			return true
		}
	}

	s.logger.Errorf("All distro import attempts failed.")
	return false
}

func resetDataDir(staleDirs []string, dataDir string) error {
	for _, dir := range append(append([]string{}, staleDirs...), dataDir) {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return errors.NewIOError("failed to remove directory", err).WithContext("dir", dir)
		}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.NewIOError("failed to create directory", err).WithContext("dir", dataDir)
	}
	return nil
}

// ConfigureLimits writes the resource-limit file and restarts the subsystem so
// it takes effect
func (s *Steps) ConfigureLimits(ctx context.Context) {
	s.logger.Infof("Configuring resource limits...")

	freeMB, ok := s.deps.Probe.FreeMemoryMB(ctx)
	if !ok {
		freeMB = 0
	}

	limits, err := s.deps.Limits.Write(freeMB, s.deps.RunState.SafeMode())
	if err != nil {
		s.logger.Errorf("Failed to write %s: %v", s.deps.Limits.Path(), err)
	} else {
		s.logger.Infof("Resource limit file updated, memory: %d MB", limits.MemoryMB)
	}

	subsystem := s.config.Subsystem
	s.logger.Infof("Restarting subsystem (via %s restart)...", subsystem.Service)
	s.deps.Host.KillProcess(ctx, subsystem.FrontendProcess)
	s.deps.Host.RestartService(ctx, subsystem.Service)

	s.logger.Infof("Waiting %v for subsystem to restart...", subsystem.RestartWait)
	s.sleep(subsystem.RestartWait)
}

// InstallDependencies fixes name resolution and installs the build packages.
// The package index update is retried once.
func (s *Steps) InstallDependencies(ctx context.Context) bool {
	s.logger.Infof("Installing dependencies in %s...", s.config.Subsystem.Distro)
	packages := s.config.Packages
	timeouts := s.config.Timeouts

	resolver := fmt.Sprintf("echo 'nameserver %s' > /etc/resolv.conf", packages.Nameserver)
	s.deps.Executor.Run(ctx, s.distro("sh", "-c", resolver), true)

	update := s.distro("apk", "update")
	if s.deps.Executor.RunWithTimeout(ctx, update, timeouts.PackageUpdate, false) != 0 {
		s.logger.Warnf("Package index update failed. Retrying...")
		s.sleep(packages.UpdateRetryDelay)
		s.deps.Executor.RunWithTimeout(ctx, update, timeouts.PackageUpdate, false)
	}

	install := s.distro("apk", "add").With(packages.Install...)
	if s.deps.Executor.RunWithTimeout(ctx, install, timeouts.PackageInstall, false) != 0 {
		s.logger.Errorf("Failed to install dependencies.")
		return false
	}

	return true
}

// SetupToolchain installs the toolchain unless it already answers
func (s *Steps) SetupToolchain(ctx context.Context) bool {
	s.logger.Infof("Checking toolchain setup...")

	if s.toolchainReady(ctx) {
		s.logger.Infof("Toolchain is ready.")
		return true
	}

	s.logger.Warnf("Toolchain not found in %s. Installing...", s.config.Subsystem.Distro)
	return s.InstallToolchain(ctx)
}

func (s *Steps) InstallToolchain(ctx context.Context) bool {
	s.logger.Infof("Installing toolchain via apk...")

	install := s.distro("apk", "add").With(s.config.Toolchain.Packages...)
	if s.deps.Executor.RunWithTimeout(ctx, install, s.config.Timeouts.PackageInstall, false) != 0 {
		s.logger.Errorf("Failed to install toolchain via apk.")
		return false
	}

	if !s.toolchainReady(ctx) {
		s.logger.Errorf("Toolchain verification failed.")
		return false
	}

	s.logger.Infof("Toolchain installed successfully.")
	return true
}

func (s *Steps) toolchainReady(ctx context.Context) bool {
	version, err := process.ParseCommand(s.config.Toolchain.VersionCommand)
	if err != nil {
		s.logger.Errorf("Invalid toolchain version command: %v", err)
		return false
	}
	cmd := s.distro(version.Name).With(version.Args...)
	return s.deps.Executor.RunWithTimeout(ctx, cmd, s.config.Timeouts.ToolchainCheck, true) == 0
}

// VerifyToolchain compiles and runs a hello-world inside the distro. Only a
// compile failure fails the stage.
func (s *Steps) VerifyToolchain(ctx context.Context) bool {
	s.logger.Infof("Verifying toolchain installation...")
	timeouts := s.config.Timeouts

	dir, err := filepath.Abs(s.config.Toolchain.VerifyDir)
	if err != nil {
		s.logger.Errorf("Failed to resolve verification directory: %v", err)
		return false
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Errorf("Failed to create verification directory %s: %v", dir, err)
		return false
	}

	source := filepath.Join(dir, verifySourceName)
	binary := filepath.Join(dir, verifyBinaryName)
	if err := os.WriteFile(source, []byte(s.config.Toolchain.VerifySource), 0644); err != nil {
		s.logger.Errorf("Failed to write %s: %v", source, err)
		return false
	}

	compile := fmt.Sprintf("rustc %s -o %s", shellQuote(ToWSLPath(source)), shellQuote(ToWSLPath(binary)))
	if s.deps.Executor.RunWithTimeout(ctx, s.distroShell(compile), timeouts.Compile, false) != 0 {
		s.logger.Errorf("Toolchain compilation failed.")
		return false
	}

	if s.deps.Executor.RunWithTimeout(ctx, s.distroShell(shellQuote(ToWSLPath(binary))), timeouts.RunCompiled, false) != 0 {
		s.logger.Warnf("Compiled binary failed to run.")
	} else {
		s.logger.Infof("Toolchain compiler is healthy!")
	}

	return true
}

// BuildProject builds the downstream project inside the distro. Pre-commands pin
// dependency versions and may fail without failing the build.
func (s *Steps) BuildProject(ctx context.Context) bool {
	s.logger.Infof("Building project...")
	build := s.config.Build

	if err := os.MkdirAll(filepath.FromSlash(build.TargetDir), 0755); err != nil {
		s.logger.Errorf("Failed to create target directory %s: %v", build.TargetDir, err)
		return false
	}

	if build.LockFile != "" {
		if _, err := os.Stat(build.LockFile); err == nil {
			s.logger.Infof("Removing %s to ensure compatibility...", build.LockFile)
			if err := os.Remove(build.LockFile); err != nil {
				s.logger.Warnf("Failed to remove %s: %v", build.LockFile, err)
			}
		}
	}

	for _, pre := range build.PreCommands {
		s.logger.Infof("Running build pre-command: %s", pre)
		if status := s.deps.Executor.Run(ctx, s.distroShell(pre), false); status != 0 {
			s.logger.Warnf("Build pre-command failed, status: %d, cmd: %s", status, pre)
		}
	}

	script := fmt.Sprintf("cargo build --manifest-path %s --target-dir %s", build.ManifestPath, build.TargetDir)
	if s.deps.Executor.Run(ctx, s.distroShell(script), false) != 0 {
		s.logger.Errorf("Project build failed.")
		return false
	}

	s.logger.Infof("Project built successfully!")
	return true
}

// ToWSLPath maps a Windows drive path to its mount under the distro,
// C:\work\x -> /mnt/c/work/x. Other paths only get forward slashes.
func ToWSLPath(path string) string {
	p := strings.ReplaceAll(path, `\`, "/")
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		return "/mnt/" + strings.ToLower(p[:1]) + "/" + strings.TrimPrefix(p[2:], "/")
	}
	return p
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t'\"$`\\;&|<>()*?") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
