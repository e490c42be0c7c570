// Package extract unpacks package payloads into the install root and
// removes the files they installed.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/utils"
	"github.com/sirupsen/logrus"
)

// Extractor installs payload contents under a root directory. Recorded
// paths are slash-separated, relative to the root, with a trailing slash
// on directories, the format kept in the files entry of the local
// database.
type Extractor struct {
	root string
}

// New creates an extractor for root
func New(root string) *Extractor {
	return &Extractor{root: root}
}

// Root returns the install root
func (e *Extractor) Root() string {
	return e.root
}

// Extract unpacks the package archive at archivePath and returns the paths
// it created, sorted
func (e *Extractor) Extract(ctx context.Context, archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening package: %w", err)
	}
	defer f.Close()

	files, err := e.ExtractReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", filepath.Base(archivePath), err)
	}
	return files, nil
}

// ExtractReader unpacks a package archive stream. Metadata entries at the
// top of the archive (.PKGINFO, .MTREE, ...) are skipped.
func (e *Extractor) ExtractReader(ctx context.Context, r io.Reader) ([]string, error) {
	dr, compression, err := utils.NewDecompressingReader(r)
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	logrus.Debugf("Extracting %s payload into %s", compression, e.root)

	if err := utils.EnsureDir(e.root); err != nil {
		return nil, err
	}

	var files []string
	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}

		name, ok := entryName(hdr.Name)
		if !ok {
			continue
		}
		target, err := e.resolve(name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return nil, err
			}
			files = append(files, name+"/")
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			files = append(files, name)
		case tar.TypeSymlink:
			if err := replace(target, func() error { return os.Symlink(hdr.Linkname, target) }); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			files = append(files, name)
		case tar.TypeLink:
			linkName, ok := entryName(hdr.Linkname)
			if !ok {
				return nil, fmt.Errorf("%s: invalid hard link target %q", name, hdr.Linkname)
			}
			source, err := e.resolve(linkName)
			if err != nil {
				return nil, err
			}
			if err := replace(target, func() error { return os.Link(source, target) }); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			files = append(files, name)
		default:
			logrus.Debugf("Skipping %s: unsupported entry type %c", name, hdr.Typeflag)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Remove deletes recorded paths under the root. Files go first, then
// directories deepest first; a directory that is not empty is kept.
// Missing paths are ignored.
func (e *Extractor) Remove(files []string) error {
	sorted := append([]string(nil), files...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	var dirs []string
	for _, f := range sorted {
		if strings.HasSuffix(f, "/") {
			dirs = append(dirs, strings.TrimSuffix(f, "/"))
			continue
		}
		target, err := e.resolve(f)
		if errors.Is(err, errThroughSymlink) {
			logrus.Warnf("Not removing %s: %v", f, err)
			continue
		}
		if err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}

	for _, d := range dirs {
		target, err := e.resolve(d)
		if errors.Is(err, errThroughSymlink) {
			continue
		}
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(target)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("removing %s: %w", d, err)
		}
		if len(entries) > 0 {
			logrus.Debugf("Keeping non-empty directory %s", d)
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", d, err)
		}
	}
	return nil
}

// errThroughSymlink marks a path whose parent directory is a symlink
var errThroughSymlink = errors.New("path passes through a symlink")

// resolve maps a recorded path to a location under the root, refusing
// anything that escapes it. No parent of the path may be a symlink; the
// last component may be, it is replaced rather than followed.
func (e *Extractor) resolve(name string) (string, error) {
	name = strings.TrimSuffix(name, "/")
	if name == "" || path.IsAbs(name) || containsDotDot(name) {
		return "", fmt.Errorf("path %q escapes the install root", name)
	}
	name = path.Clean(name)

	parts := strings.Split(name, "/")
	dir := e.root
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		fi, err := os.Lstat(dir)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%s: %w", name, errThroughSymlink)
		}
	}
	return filepath.Join(e.root, filepath.FromSlash(name)), nil
}

// entryName normalizes an archive entry name. It reports false for
// metadata entries and the archive root.
func entryName(raw string) (string, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(raw, "./"), "/")
	if name == "" || name == "." {
		return "", false
	}
	if !strings.Contains(name, "/") && strings.HasPrefix(name, ".") && name != ".." {
		return "", false
	}
	return name, true
}

func containsDotDot(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func dirMode(hdr *tar.Header) os.FileMode {
	if mode := os.FileMode(hdr.Mode).Perm(); mode != 0 {
		return mode
	}
	return 0755
}

// writeFile replaces target with the content of r through a temporary
// file in the same directory
func writeFile(target string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".new-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// replace removes a non-directory at target, then runs create
func replace(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if fi, err := os.Lstat(target); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("a directory exists at %s", target)
		}
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return create()
}
