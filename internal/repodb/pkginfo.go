package repodb

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/utils"
)

// PkgInfoFile is the metadata entry at the root of every package archive
const PkgInfoFile = ".PKGINFO"

// .PKGINFO keys that only matter to build tooling
var ignoredPkgInfoKeys = map[string]bool{
	"pkgbase":      true,
	"makedepend":   true,
	"checkdepend":  true,
	"makepkgopt":   true,
	"backup":       true,
	"xdata":        true,
	"pkgtype":      true,
	"installed_db": true,
}

// ReadPackageFile parses a package archive and extracts metadata. The
// checksum is computed with alg and Filename is set to the base name.
func ReadPackageFile(path string, alg models.HashAlgorithm) (*models.Package, error) {
	// Calculate checksums
	digest, err := utils.FileDigest(path, alg)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	// Extract .PKGINFO file
	pkginfo, err := extractPkgInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s from %s: %w", PkgInfoFile, filepath.Base(path), err)
	}

	// Parse .PKGINFO
	pkg, err := ParsePkgInfo(pkginfo)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	// Set file information
	pkg.Filename = filepath.Base(path)
	pkg.Size = info.Size()
	pkg.Checksum = digest

	return pkg, nil
}

// extractPkgInfo extracts the .PKGINFO file from a package archive of any
// supported compression
func extractPkgInfo(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, _, err := utils.NewDecompressingReader(f)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// Find .PKGINFO
	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if strings.TrimPrefix(header.Name, "./") == PkgInfoFile {
			return io.ReadAll(tarReader)
		}
	}

	return nil, fmt.Errorf("%s not found in package", PkgInfoFile)
}

// ParsePkgInfo parses "key = value" lines of a .PKGINFO file into a
// validated package
func ParsePkgInfo(data []byte) (*models.Package, error) {
	pkg := &models.Package{}

	fail := func(key string, err error) (*models.Package, error) {
		return nil, &models.PackageError{Package: pkg.Name, Field: key, Err: err}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fail("", fmt.Errorf("line %d: expected key = value", lineNo))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Map fields to Package struct
		switch key {
		case "pkgname":
			pkg.Name = value
		case "pkgver":
			pkg.Version = value
		case "pkgdesc":
			pkg.Description = value
		case "url":
			pkg.URL = value
		case "license":
			pkg.License = append(pkg.License, value)
		case "arch":
			pkg.Architecture = models.Architecture(value)
		case "packager":
			pkg.Packager = value
		case "group":
			pkg.Groups = append(pkg.Groups, value)
		case "optdepend":
			pkg.OptDepends = append(pkg.OptDepends, value)
		case "builddate", "size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fail(key, err)
			}
			if key == "size" {
				pkg.InstalledSize = n
			} else {
				pkg.BuildDate = n
			}
		case "depend", "provides", "conflict", "replaces":
			dep, err := models.ParseDependency(value)
			if err != nil {
				return fail(key, err)
			}
			switch key {
			case "depend":
				pkg.Depends = append(pkg.Depends, dep)
			case "provides":
				pkg.Provides = append(pkg.Provides, dep)
			case "conflict":
				pkg.Conflicts = append(pkg.Conflicts, dep)
			case "replaces":
				pkg.Replaces = append(pkg.Replaces, dep)
			}
		default:
			if !ignoredPkgInfoKeys[key] {
				return fail(key, fmt.Errorf("unknown %s key %q", PkgInfoFile, key))
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}
