package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-provision/pkg/errors"
	"github.com/core-tools/hsu-provision/pkg/logging"
	"github.com/core-tools/hsu-provision/pkg/process"
)

const DefaultURL = "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/x86_64/alpine-minirootfs-3.19.1-x86_64.tar.gz"

// DownloadAttempt is a command template with {url} and {dest} placeholders.
// A zero Timeout runs the command without a deadline.
type DownloadAttempt struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type FetchConfig struct {
	URL       string            `yaml:"url"`
	CacheDir  string            `yaml:"cache_dir"`
	FileName  string            `yaml:"file_name"`
	Downloads []DownloadAttempt `yaml:"downloads"`
}

func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		URL:      DefaultURL,
		CacheDir: "Trash",
		FileName: "alpine-rootfs.tar.gz",
		Downloads: []DownloadAttempt{
			{Command: "curl -L -o {dest} {url}"},
			{
				Command: `powershell -Command "Invoke-WebRequest -Uri '{url}' -OutFile '{dest}' -UseBasicParsing"`,
				Timeout: 300 * time.Second,
			},
		},
	}
}

func ValidateFetchConfig(config FetchConfig) error {
	if config.URL == "" {
		return errors.NewValidationError("distro image url is required", nil)
	}
	if config.FileName == "" {
		return errors.NewValidationError("distro image file name is required", nil)
	}
	if len(config.Downloads) == 0 {
		return errors.NewValidationError("at least one download command is required", nil)
	}
	for i, attempt := range config.Downloads {
		if _, err := process.ExpandTemplate(attempt.Command, map[string]string{"url": config.URL, "dest": "x"}); err != nil {
			return errors.NewValidationError("invalid download command", err).WithContext("download", i)
		}
	}
	return nil
}

type Fetcher struct {
	executor process.Executor
	config   FetchConfig
	logger   logging.Logger
}

func NewFetcher(executor process.Executor, config FetchConfig, logger logging.Logger) *Fetcher {
	return &Fetcher{
		executor: executor,
		config:   config,
		logger:   logger,
	}
}

func (f *Fetcher) Path() string {
	return filepath.Join(f.config.CacheDir, f.config.FileName)
}

// Fetch returns the path of a verified image, reusing a valid cached copy.
// Download commands are tried in order; a download that produces a corrupt
// image is deleted before the next command runs.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	dest := f.Path()

	if _, err := os.Stat(dest); err == nil {
		if entries, err := VerifyArchive(dest); err == nil {
			f.logger.Infof("Using cached distro image, path: %s, entries: %d", dest, entries)
			return dest, nil
		}
		f.logger.Warnf("Cached distro image is corrupt, deleting, path: %s", dest)
		f.remove(dest)
	}

	if f.config.CacheDir != "" {
		if err := os.MkdirAll(f.config.CacheDir, 0755); err != nil {
			return "", errors.NewIOError("failed to create image cache directory", err).WithContext("dir", f.config.CacheDir)
		}
	}

	f.logger.Infof("Downloading distro image, url: %s", f.config.URL)

	failures := errors.NewErrorCollection()
	for _, attempt := range f.config.Downloads {
		cmd, err := process.ExpandTemplate(attempt.Command, map[string]string{"url": f.config.URL, "dest": dest})
		if err != nil {
			failures.Add(err)
			continue
		}

		var status int
		if attempt.Timeout > 0 {
			status = f.executor.RunWithTimeout(ctx, cmd, attempt.Timeout, true)
		} else {
			status = f.executor.Run(ctx, cmd, true)
		}
		if status != 0 {
			f.logger.Warnf("Download command failed, cmd: %s, status: %d", cmd.Name, status)
			failures.Add(errors.NewProcessError("download command failed", nil).
				WithContext("command", cmd.Name).WithContext("status", status))
			continue
		}

		entries, err := VerifyArchive(dest)
		if err != nil {
			f.logger.Warnf("Downloaded distro image failed verification, cmd: %s, error: %v", cmd.Name, err)
			failures.Add(err)
			f.remove(dest)
			continue
		}

		f.logger.Infof("Distro image downloaded, path: %s, entries: %d", dest, entries)
		return dest, nil
	}

	return "", errors.NewNetworkError("failed to download distro image", failures.ToError()).WithContext("url", f.config.URL)
}

func (f *Fetcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Debugf("Failed to delete distro image, path: %s, error: %v", path, err)
	}
}
