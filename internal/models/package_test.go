package models

import (
	"errors"
	"testing"

	"github.com/ralt/syzygia/internal/version"
)

func TestValidateName(t *testing.T) {
	valid := []string{"vim", "lib32-glibc", "python3.12", "gtk+", "foo@bar", "name_"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "-vim", ".hidden", "vim-", "vim.", "with space", "a/b", "über"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestParseDependency(t *testing.T) {
	tests := []struct {
		in   string
		want Dependency
	}{
		{"glibc", Dependency{Name: "glibc"}},
		{"y>=2.0", Dependency{Name: "y", Op: version.OpGE, Version: "2.0"}},
		{"sh=5.1-1", Dependency{Name: "sh", Op: version.OpEQ, Version: "5.1-1"}},
		{"libfoo<=1:2.0", Dependency{Name: "libfoo", Op: version.OpLE, Version: "1:2.0"}},
		{"bar<3", Dependency{Name: "bar", Op: version.OpLT, Version: "3"}},
	}

	for _, tt := range tests {
		got, err := ParseDependency(tt.in)
		if err != nil {
			t.Fatalf("ParseDependency(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDependency(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}

	for _, bad := range []string{"", ">=1.0", "foo>=", "foo>=x1"} {
		if _, err := ParseDependency(bad); err == nil {
			t.Errorf("ParseDependency(%q) = nil error, want error", bad)
		}
	}
}

func TestPackageSatisfies(t *testing.T) {
	bash := &Package{
		Name:     "bash",
		Version:  "5.2-1",
		Provides: MustParseDependencies("sh=5.2", "posix-shell"),
	}

	tests := []struct {
		dep  string
		want bool
	}{
		{"bash", true},
		{"bash>=5.0", true},
		{"bash<5", false},
		{"sh", true},
		{"sh>=5.1", true},
		{"sh>=6", false},
		{"posix-shell", true},
		{"posix-shell>=1", false},
		{"zsh", false},
	}

	for _, tt := range tests {
		dep := MustParseDependencies(tt.dep)[0]
		if got := bash.Satisfies(dep); got != tt.want {
			t.Errorf("Satisfies(%q) = %v, want %v", tt.dep, got, tt.want)
		}
	}
}

func TestConflictsWith(t *testing.T) {
	vim := &Package{Name: "vim", Version: "9.0-1", Provides: MustParseDependencies("vi"), Conflicts: MustParseDependencies("vi")}
	gvim := &Package{Name: "gvim", Version: "9.0-1", Provides: MustParseDependencies("vi")}
	nano := &Package{Name: "nano", Version: "7.2-1"}

	if c, ok := vim.ConflictsWith(gvim); !ok || c.Name != "vi" {
		t.Errorf("vim.ConflictsWith(gvim) = %v, %v; want vi, true", c, ok)
	}
	if _, ok := vim.ConflictsWith(nano); ok {
		t.Error("vim should not conflict with nano")
	}
	if _, ok := vim.ConflictsWith(vim.Clone()); ok {
		t.Error("a package must not conflict with itself")
	}
}

func TestPackageValidate(t *testing.T) {
	pkg := &Package{Name: "foo", Version: "1.0-1", Architecture: "x86_64"}
	if err := pkg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	bad := pkg.Clone()
	bad.Version = "abc"
	err := bad.Validate()
	var pkgErr *PackageError
	if !errors.As(err, &pkgErr) || pkgErr.Field != "version" {
		t.Errorf("Validate() = %v, want PackageError on version", err)
	}

	bad = pkg.Clone()
	bad.Architecture = "m68k"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject unsupported architectures")
	}

	tests := []struct {
		name   string
		modify func(p *Package)
		field  string
	}{
		{"filename with parent dir", func(p *Package) { p.Filename = "../../escaped.pkg.tar.zst" }, "filename"},
		{"filename with separator", func(p *Package) { p.Filename = "x86_64/foo.pkg.tar.zst" }, "filename"},
		{"dot filename", func(p *Package) { p.Filename = "." }, "filename"},
		{"multi-line description", func(p *Package) { p.Description = "one\n%NAME%\ntwo" }, "desc"},
		{"carriage return in url", func(p *Package) { p.URL = "https://example.org\r" }, "url"},
		{"marker as license", func(p *Package) { p.License = []string{"%ARCH%"} }, "license"},
		{"empty group", func(p *Package) { p.Groups = []string{"base", ""} }, "groups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := pkg.Clone()
			tt.modify(bad)
			var pkgErr *PackageError
			if err := bad.Validate(); !errors.As(err, &pkgErr) || pkgErr.Field != tt.field {
				t.Errorf("Validate() = %v, want PackageError on %s", err, tt.field)
			}
		})
	}

	ok := pkg.Clone()
	ok.Filename = "foo-1.0-1-x86_64.pkg.tar.zst"
	ok.Description = "100% free"
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v for a plain file name", err)
	}
}

func TestParseDigest(t *testing.T) {
	hex := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	d, err := ParseDigest("SHA256:" + hex)
	if err != nil {
		t.Fatalf("ParseDigest() error = %v", err)
	}
	if d.Algorithm != HashSHA256 || d.String() != "sha256:"+hex {
		t.Errorf("ParseDigest() = %v", d)
	}

	for _, bad := range []string{hex, "sha256:abcd", "crc32:" + hex, "sha256:zz"} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) = nil error, want error", bad)
		}
	}
}

func TestNewMirror(t *testing.T) {
	tests := []struct {
		in     string
		url    string
		scheme MirrorScheme
	}{
		{"https://mirror.example.org/core/os/x86_64", "https://mirror.example.org/core/os/x86_64", SchemeRemote},
		{"file:///srv/repo", "file:///srv/repo", SchemeLocal},
		{"/srv/repo", "file:///srv/repo", SchemeLocal},
	}
	for _, tt := range tests {
		m, err := NewMirror(tt.in)
		if err != nil {
			t.Fatalf("NewMirror(%q) error = %v", tt.in, err)
		}
		if m.URL != tt.url || m.Scheme != tt.scheme {
			t.Errorf("NewMirror(%q) = %+v", tt.in, m)
		}
	}

	if _, err := NewMirror("ftp://example.org/repo"); err == nil {
		t.Error("NewMirror should reject ftp")
	}

	m, _ := NewMirror("https://example.org/repo/")
	if got := m.Resolve("/core.db"); got != "https://example.org/repo/core.db" {
		t.Errorf("Resolve() = %q", got)
	}
}
