// Package repodb reads and writes pacman-style repository databases: a
// (compressed) tar archive holding one <name>-<version>/desc entry per
// package.
package repodb

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/utils"
)

// Encode creates a zstd-compressed database archive for packages. Entries are
// written in name order so identical inputs give identical archives. Every
// package is validated first.
func Encode(packages []*models.Package) ([]byte, error) {
	sorted := append([]*models.Package(nil), packages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	// Create in-memory tar archive
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	for _, pkg := range sorted {
		// desc cannot carry values that would not parse back
		if err := pkg.Validate(); err != nil {
			return nil, err
		}
		descContent := MarshalDesc(pkg)

		// Create directory entry
		dirName := pkg.Identity() + "/"
		err := tw.WriteHeader(&tar.Header{
			Name:     dirName,
			Mode:     0755,
			Typeflag: tar.TypeDir,
		})
		if err != nil {
			return nil, err
		}

		// Add desc file
		err = tw.WriteHeader(&tar.Header{
			Name:     dirName + "desc",
			Mode:     0644,
			Size:     int64(len(descContent)),
			Typeflag: tar.TypeReg,
		})
		if err != nil {
			return nil, err
		}

		if _, err := tw.Write(descContent); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	return utils.ZstdCompress(tarBuf.Bytes())
}

// Decode parses a database archive in any supported compression. Every
// package is validated and tagged with repoName as its origin. A legacy
// split "depends" entry is merged with its "desc" entry.
func Decode(data []byte, repoName string) ([]*models.Package, error) {
	r, compression, err := utils.NewDecompressingReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", repoName, err)
	}
	defer r.Close()

	entries := make(map[string]map[string][]byte)
	tarReader := tar.NewReader(r)

	// Read tar archive - each package has a directory with desc file
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s database (%s): %w", repoName, compression, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		dir, file := path.Split(strings.TrimPrefix(header.Name, "./"))
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" || strings.Contains(dir, "/") {
			return nil, fmt.Errorf("unexpected entry %q in %s database", header.Name, repoName)
		}

		switch file {
		case "desc", "depends":
		case "files":
			// file lists belong to the .files database
			continue
		default:
			return nil, fmt.Errorf("unexpected entry %q in %s database", header.Name, repoName)
		}

		content, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, err
		}
		if entries[dir] == nil {
			entries[dir] = make(map[string][]byte)
		}
		entries[dir][file] = content
	}

	dirs := make([]string, 0, len(entries))
	for dir := range entries {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	packages := make([]*models.Package, 0, len(dirs))
	for _, dir := range dirs {
		files := entries[dir]
		desc, ok := files["desc"]
		if !ok {
			return nil, fmt.Errorf("%s database entry %s has no desc", repoName, dir)
		}
		if deps, ok := files["depends"]; ok {
			desc = append(append(desc, '\n'), deps...)
		}

		pkg, err := UnmarshalDesc(desc)
		if err != nil {
			return nil, fmt.Errorf("%s database entry %s: %w", repoName, dir, err)
		}
		if pkg.Identity() != dir {
			return nil, fmt.Errorf("%s database entry %s describes %s", repoName, dir, pkg.Identity())
		}
		pkg.OriginRepo = repoName
		packages = append(packages, pkg)
	}

	return packages, nil
}
