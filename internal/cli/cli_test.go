package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/test"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"config", &models.ConfigError{Field: "architecture", Err: errors.New("bad")}, ExitConfig},
		{"resolution", models.NewUnsatisfied("foo>=1", "bar"), ExitResolution},
		{"wrapped download", fmt.Errorf("update: %w", &models.DownloadError{}), ExitDownload},
		{"transaction", &models.TransactionError{Err: errors.New("disk full")}, ExitTransaction},
		{"locked", fmt.Errorf("lock: %w", models.ErrDatabaseLocked), ExitLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

// run executes the command line with args and returns its output
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setup(t *testing.T) (configPath, rootDir string) {
	t.Helper()
	dir := t.TempDir()

	input := filepath.Join(dir, "incoming")
	if err := os.Mkdir(input, 0755); err != nil {
		t.Fatal(err)
	}
	archives := map[*models.Package]map[string]string{
		test.Pkg("hello", "2.12-1", "glibc"): {"usr/bin/hello": "hello"},
		test.Pkg("glibc", "2.40-1"):          {"usr/lib/libc.so.6": "libc"},
	}
	for pkg, files := range archives {
		name := fmt.Sprintf("%s-%s-%s.pkg.tar.zst", pkg.Name, pkg.Version, pkg.Architecture)
		if err := os.WriteFile(filepath.Join(input, name), test.PackageArchive(t, pkg, files), 0644); err != nil {
			t.Fatal(err)
		}
	}

	repoDir := filepath.Join(dir, "core")
	if _, err := run(t, "repo", "build", "-i", input, "-o", repoDir, "--checksum", "blake3"); err != nil {
		t.Fatalf("repo build error = %v", err)
	}

	rootDir = filepath.Join(dir, "root")
	configPath = filepath.Join(dir, "syzygia.yaml")
	config := fmt.Sprintf(`root_dir: %s
db_path: %s
cache_dir: %s
keyring: ""
repositories:
  - name: core
    sig_level: None
    mirrors: [%s]
`, rootDir, filepath.Join(dir, "db"), filepath.Join(dir, "cache"), repoDir)
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath, rootDir
}

func TestCommandLine(t *testing.T) {
	configPath, rootDir := setup(t)

	if _, err := run(t, "-c", configPath, "install", "hello"); err == nil || !strings.Contains(err.Error(), "run update first") {
		t.Errorf("install before update error = %v", err)
	}

	if _, err := run(t, "-c", configPath, "update"); err != nil {
		t.Fatalf("update error = %v", err)
	}

	out, err := run(t, "-c", configPath, "install", "--print", "hello")
	if err != nil {
		t.Fatalf("install --print error = %v", err)
	}
	if !strings.Contains(out, "install  core/glibc 2.40-1") || !strings.Contains(out, "install  core/hello 2.12-1") {
		t.Errorf("plan output:\n%s", out)
	}
	if strings.Index(out, "glibc") > strings.Index(out, "core/hello") {
		t.Errorf("glibc should be installed before hello:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(rootDir, "usr", "bin", "hello")); !os.IsNotExist(err) {
		t.Errorf("--print should not install anything: %v", err)
	}

	if _, err := run(t, "-c", configPath, "install", "hello"); err != nil {
		t.Fatalf("install error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootDir, "usr", "bin", "hello")); err != nil {
		t.Errorf("hello was not extracted: %v", err)
	}

	out, err = run(t, "-c", configPath, "list")
	if err != nil || out != "glibc 2.40-1\nhello 2.12-1\n" {
		t.Errorf("list = %q, %v", out, err)
	}

	out, err = run(t, "-c", configPath, "search", "HELLO")
	if err != nil || !strings.HasPrefix(out, "core/hello 2.12-1 [installed]\n") {
		t.Errorf("search = %q, %v", out, err)
	}

	out, err = run(t, "-c", configPath, "info", "hello")
	if err != nil || !strings.Contains(out, "Depends On      : glibc") || !strings.Contains(out, "Installed       : yes (2.12-1)") {
		t.Errorf("info:\n%s\nerror = %v", out, err)
	}

	_, err = run(t, "-c", configPath, "remove", "glibc")
	if ExitCode(err) != ExitResolution {
		t.Errorf("removing a dependency: error = %v, exit code %d", err, ExitCode(err))
	}

	out, err = run(t, "-c", configPath, "install", "hello")
	if err != nil || !strings.Contains(out, "nothing to do") {
		t.Errorf("reinstall = %q, %v", out, err)
	}

	if _, err := run(t, "-c", configPath, "remove", "hello", "glibc"); err != nil {
		t.Fatalf("remove error = %v", err)
	}
	if out, _ := run(t, "-c", configPath, "list"); out != "" {
		t.Errorf("list after remove = %q", out)
	}
}

func TestRepoAndMirrorList(t *testing.T) {
	configPath, _ := setup(t)

	out, err := run(t, "-c", configPath, "repo", "list")
	if err != nil || out != "core (priority 0, signatures None, 1 mirrors, not synchronized)\n" {
		t.Errorf("repo list = %q, %v", out, err)
	}

	out, err = run(t, "-c", configPath, "mirror", "list", "--probe")
	if err != nil || !strings.HasPrefix(out, "core:\n  local  file://") || strings.Contains(out, "failed") {
		t.Errorf("mirror list --probe = %q, %v", out, err)
	}
}

func TestRepoBuildRejectsUnknownChecksum(t *testing.T) {
	_, err := run(t, "repo", "build", "-i", t.TempDir(), "-o", t.TempDir(), "--checksum", "crc32")
	if ExitCode(err) != ExitConfig {
		t.Errorf("error = %v, want a config error", err)
	}
}

func TestRepoAndMirrorManagement(t *testing.T) {
	configPath, _ := setup(t)
	dir := filepath.Dir(configPath)

	if _, err := run(t, "-c", configPath, "repo", "add", "extra", "--mirror", "https://mirror.example.org/$repo", "--priority", "7", "--sig-level", "None"); err != nil {
		t.Fatalf("repo add error = %v", err)
	}
	if _, err := run(t, "-c", configPath, "mirror", "add", "extra", "https://second.example.org/$repo"); err != nil {
		t.Fatalf("mirror add error = %v", err)
	}
	out, err := run(t, "-c", configPath, "repo", "list")
	if err != nil || !strings.Contains(out, "extra (priority 7, signatures None, 2 mirrors, not synchronized)") {
		t.Errorf("repo list = %q, %v", out, err)
	}

	if _, err := run(t, "-c", configPath, "mirror", "remove", "extra", "https://mirror.example.org/$repo"); err != nil {
		t.Fatalf("mirror remove error = %v", err)
	}
	out, _ = run(t, "-c", configPath, "mirror", "list")
	if strings.Contains(out, "https://mirror.example.org/extra") || !strings.Contains(out, "https://second.example.org/extra") {
		t.Errorf("mirror list after remove:\n%s", out)
	}

	_, err = run(t, "-c", configPath, "repo", "add", "extra", "--mirror", "/srv/extra")
	if ExitCode(err) != ExitConfig {
		t.Errorf("adding a duplicate repository: error = %v", err)
	}
	if _, err := run(t, "-c", configPath, "repo", "remove", "extra"); err != nil {
		t.Fatalf("repo remove error = %v", err)
	}
	if out, _ := run(t, "-c", configPath, "repo", "list"); strings.Contains(out, "extra") {
		t.Errorf("repo list after remove = %q", out)
	}

	// move core to a mirrorlist that is downloaded from a published list
	published := filepath.Join(dir, "published-mirrorlist")
	if err := os.WriteFile(published, []byte("Server = "+filepath.Join(dir, "$repo")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "-c", configPath, "repo", "remove", "core"); err != nil {
		t.Fatalf("repo remove error = %v", err)
	}
	if _, err := run(t, "-c", configPath, "repo", "add", "core", "--sig-level", "None", "--mirrorlist", "mirrorlist", "--servers", "file://"+published); err != nil {
		t.Fatalf("repo add with servers error = %v", err)
	}

	if _, err := run(t, "-c", configPath, "update"); err == nil {
		t.Error("update without a mirrorlist should fail")
	}
	if _, err := run(t, "-c", configPath, "update", "--refresh"); err != nil {
		t.Fatalf("update --refresh error = %v", err)
	}
	out, err = run(t, "-c", configPath, "mirror", "list")
	if err != nil || !strings.Contains(out, "file://"+filepath.Join(dir, "core")) {
		t.Errorf("mirror list after refresh = %q, %v", out, err)
	}

	out, err = run(t, "-c", configPath, "mirror", "update")
	if err != nil || !strings.HasPrefix(out, "core: 1 servers written to ") {
		t.Errorf("mirror update = %q, %v", out, err)
	}
}
