package scanner

import (
	"context"

	"github.com/ralt/syzygia/internal/utils"
)

// ScannedPackage represents a package file found during scanning
type ScannedPackage struct {
	Path        string
	Compression utils.Compression
	Size        int64
}

// Scanner interface for finding package archives
type Scanner interface {
	// Scan recursively scans a directory for packages
	Scan(ctx context.Context, dir string) ([]ScannedPackage, error)

	// Detect reports whether a file is a package archive and how it is compressed
	Detect(path string) (bool, utils.Compression, error)
}
