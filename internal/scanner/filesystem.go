package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ralt/syzygia/internal/utils"
	"github.com/sirupsen/logrus"
)

// FileSystemScanner implements Scanner interface for filesystem scanning
type FileSystemScanner struct{}

// NewFileSystemScanner creates a new filesystem scanner
func NewFileSystemScanner() *FileSystemScanner {
	return &FileSystemScanner{}
}

// Scan recursively scans a directory for packages. Results are sorted by path.
func (s *FileSystemScanner) Scan(ctx context.Context, dir string) ([]ScannedPackage, error) {
	var packages []ScannedPackage

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Skip directories
		if info.IsDir() {
			return nil
		}

		ok, compression, err := s.Detect(path)
		if err != nil {
			logrus.Warnf("Skipping %s: %v", path, err)
			return nil
		}
		if !ok {
			return nil
		}

		logrus.Debugf("Found %s package: %s", compression, path)

		packages = append(packages, ScannedPackage{
			Path:        path,
			Compression: compression,
			Size:        info.Size(),
		})

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	sort.Slice(packages, func(i, j int) bool { return packages[i].Path < packages[j].Path })

	logrus.Infof("Found %d packages in %s", len(packages), dir)
	return packages, nil
}

// Detect reports whether path is a package archive
func (s *FileSystemScanner) Detect(path string) (bool, utils.Compression, error) {
	return DetectPackage(path)
}
