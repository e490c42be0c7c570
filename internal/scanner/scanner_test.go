package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ralt/syzygia/internal/utils"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := utils.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	zst, err := utils.ZstdCompress([]byte("tar"))
	if err != nil {
		t.Fatal(err)
	}
	gz, err := utils.GzipCompress([]byte("tar"))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "foo-1.0-1-x86_64.pkg.tar.zst"), zst)
	writeFile(t, filepath.Join(dir, "foo-1.0-1-x86_64.pkg.tar.zst.sig"), []byte("sig"))
	writeFile(t, filepath.Join(dir, "sub", "bar-2.0-1-any.pkg.tar.gz"), gz)
	writeFile(t, filepath.Join(dir, "README"), []byte("hello"))
	// extension and content disagree
	writeFile(t, filepath.Join(dir, "baz-1.0-1-any.pkg.tar.xz"), zst)

	packages, err := NewFileSystemScanner().Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(packages) != 2 {
		t.Fatalf("Scan() found %d packages, want 2: %+v", len(packages), packages)
	}
	if filepath.Base(packages[0].Path) != "foo-1.0-1-x86_64.pkg.tar.zst" || packages[0].Compression != utils.CompressionZstd {
		t.Errorf("unexpected first package %+v", packages[0])
	}
	if filepath.Base(packages[1].Path) != "bar-2.0-1-any.pkg.tar.gz" || packages[1].Compression != utils.CompressionGzip {
		t.Errorf("unexpected second package %+v", packages[1])
	}
}

func TestScanCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFileSystemScanner().Scan(ctx, dir); err == nil {
		t.Error("Scan() should fail on a cancelled context")
	}
}

func TestDetectPackageMissingFile(t *testing.T) {
	_, _, err := DetectPackage(filepath.Join(t.TempDir(), "x-1-1-any.pkg.tar.zst"))
	if !os.IsNotExist(err) {
		t.Errorf("DetectPackage() error = %v, want not-exist", err)
	}
}
