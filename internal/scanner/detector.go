package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralt/syzygia/internal/utils"
)

// Extensions a package archive may carry after ".pkg.tar"
var packageSuffixes = map[string]utils.Compression{
	"":     utils.CompressionNone,
	".zst": utils.CompressionZstd,
	".xz":  utils.CompressionXz,
	".gz":  utils.CompressionGzip,
	".lz4": utils.CompressionLZ4,
}

// DetectPackage determines whether path is a package archive based on its
// file name, and checks the magic bytes agree with the extension
func DetectPackage(path string) (bool, utils.Compression, error) {
	basename := filepath.Base(path)
	idx := strings.LastIndex(basename, ".pkg.tar")
	if idx <= 0 {
		return false, utils.CompressionNone, nil
	}
	want, ok := packageSuffixes[basename[idx+len(".pkg.tar"):]]
	if !ok {
		// .sig files and friends
		return false, utils.CompressionNone, nil
	}

	// Open file
	f, err := os.Open(path)
	if err != nil {
		return false, utils.CompressionNone, err
	}
	defer f.Close()

	// Read the first bytes for magic byte detection
	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return false, utils.CompressionNone, err
	}

	got := utils.DetectCompression(header[:n])
	if got != want {
		return false, got, fmt.Errorf("%s: extension says %s but content is %s", basename, want, got)
	}
	return true, got, nil
}
