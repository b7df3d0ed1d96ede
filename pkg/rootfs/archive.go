// Package rootfs fetches and verifies the compressed root filesystem image a
// distro is imported from.
package rootfs

import (
	"archive/tar"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

// VerifyArchive walks a .tar.gz image and returns its entry count.
// An image with no entries is rejected.
func VerifyArchive(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("distro image not found", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to open distro image", err).WithContext("path", path)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return 0, errors.NewArchiveError("distro image is not gzip compressed", err).WithContext("path", path)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	entries := 0
	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, errors.NewArchiveError("distro image is corrupt", err).
				WithContext("path", path).WithContext("entries", entries)
		}
		entries++
	}

	if entries == 0 {
		return 0, errors.NewArchiveError("distro image is empty", nil).WithContext("path", path)
	}
	return entries, nil
}
