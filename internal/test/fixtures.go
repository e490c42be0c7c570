// Package test holds fixtures shared by the package tests.
package test

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"testing"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/utils"
)

// Pkg returns an architecture-independent package with the given
// dependencies, suitable for resolver and database tests.
func Pkg(name, version string, depends ...string) *models.Package {
	return &models.Package{
		Name:         name,
		Version:      version,
		Description:  name + " test package",
		Architecture: models.ArchAny,
		Depends:      models.MustParseDependencies(depends...),
	}
}

// PkgInfo renders the .PKGINFO file for pkg
func PkgInfo(pkg *models.Package) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Generated by makepkg\n")
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s = %s\n", key, value)
		}
	}
	line("pkgname", pkg.Name)
	line("pkgbase", pkg.Name)
	line("pkgver", pkg.Version)
	line("pkgdesc", pkg.Description)
	line("url", pkg.URL)
	if pkg.BuildDate > 0 {
		line("builddate", fmt.Sprint(pkg.BuildDate))
	}
	line("packager", pkg.Packager)
	if pkg.InstalledSize > 0 {
		line("size", fmt.Sprint(pkg.InstalledSize))
	}
	line("arch", string(pkg.Architecture))
	for _, l := range pkg.License {
		line("license", l)
	}
	for _, g := range pkg.Groups {
		line("group", g)
	}
	for _, d := range pkg.Replaces {
		line("replaces", d.String())
	}
	for _, d := range pkg.Conflicts {
		line("conflict", d.String())
	}
	for _, d := range pkg.Provides {
		line("provides", d.String())
	}
	for _, d := range pkg.Depends {
		line("depend", d.String())
	}
	for _, d := range pkg.OptDepends {
		line("optdepend", d)
	}
	line("makedepend", "make")
	return buf.Bytes()
}

// PackageArchive builds a zstd-compressed package archive holding the
// .PKGINFO of pkg plus files (path -> content). Parent directories get
// their own entries.
func PackageArchive(t testing.TB, pkg *models.Package, files map[string]string) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	write := func(hdr *tar.Header, content []byte) {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write tar header %s: %v", hdr.Name, err)
		}
		if len(content) > 0 {
			if _, err := tw.Write(content); err != nil {
				t.Fatalf("Failed to write tar entry %s: %v", hdr.Name, err)
			}
		}
	}

	pkginfo := PkgInfo(pkg)
	write(&tar.Header{Name: ".PKGINFO", Mode: 0644, Size: int64(len(pkginfo)), Typeflag: tar.TypeReg}, pkginfo)
	mtree := []byte("#mtree\n")
	write(&tar.Header{Name: ".MTREE", Mode: 0644, Size: int64(len(mtree)), Typeflag: tar.TypeReg}, mtree)

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	dirs := make(map[string]bool)
	for _, p := range paths {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		write(&tar.Header{Name: strings.TrimSuffix(d, "/") + "/", Mode: 0755, Typeflag: tar.TypeDir}, nil)
	}

	for _, p := range paths {
		content := []byte(files[p])
		write(&tar.Header{Name: p, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}, content)
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := utils.ZstdCompress(tarBuf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// Digest returns the sha256 digest of data
func Digest(t testing.TB, data []byte) models.Digest {
	t.Helper()
	d, err := utils.CalculateDigest(data, models.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
