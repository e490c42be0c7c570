package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/version"
)

// Architecture is a CPU architecture a package is built for
type Architecture string

// ArchAny marks architecture-independent packages
const ArchAny Architecture = "any"

var supportedArchitectures = map[Architecture]bool{
	"x86_64": true, "i686": true, "i586": true, "i486": true, "i386": true,
	"armv7h": true, "aarch64": true, "armv6h": true, "armv5tel": true,
	"ppc64le": true, "ppc64": true, "ppc": true, "riscv64": true,
	"s390x": true, ArchAny: true,
}

// Valid reports whether a is one of the supported architectures
func (a Architecture) Valid() bool {
	return supportedArchitectures[a]
}

// Compatible reports whether a package built for a can be installed on host
func (a Architecture) Compatible(host Architecture) bool {
	return a == ArchAny || a == host
}

// Dependency is a name with an optional version constraint, as found in
// depends, provides, conflicts and replaces lists.
type Dependency struct {
	Name    string
	Op      version.Op
	Version string
}

// ParseDependency parses strings such as "glibc", "y>=2.0" or "sh=5.1-1".
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)
	for _, op := range version.Operators {
		idx := strings.Index(s, string(op))
		if idx < 0 {
			continue
		}
		dep := Dependency{
			Name:    s[:idx],
			Op:      op,
			Version: s[idx+len(op):],
		}
		if err := ValidateName(dep.Name); err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
		}
		if err := version.Validate(dep.Version); err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
		}
		return dep, nil
	}

	if err := ValidateName(s); err != nil {
		return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
	}
	return Dependency{Name: s}, nil
}

// MustParseDependencies parses each string, panicking on malformed input.
// Intended for fixtures and tests.
func MustParseDependencies(specs ...string) []Dependency {
	deps := make([]Dependency, 0, len(specs))
	for _, s := range specs {
		dep, err := ParseDependency(s)
		if err != nil {
			panic(err)
		}
		deps = append(deps, dep)
	}
	return deps
}

// String returns the constraint in its canonical textual form
func (d Dependency) String() string {
	if d.Op == version.OpAny {
		return d.Name
	}
	return d.Name + string(d.Op) + d.Version
}

// ValidateName checks a package name: only [A-Za-z0-9@._+-], starting with
// an alphanumeric character and ending with an alphanumeric or underscore.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAlnum(c) {
			continue
		}
		switch c {
		case '@', '.', '_', '+', '-':
		default:
			return fmt.Errorf("package name %q contains invalid character %q", name, c)
		}
	}
	if !isAlnum(name[0]) {
		return fmt.Errorf("package name %q must start with an alphanumeric character", name)
	}
	if last := name[len(name)-1]; !isAlnum(last) && last != '_' {
		return fmt.Errorf("package name %q must end with an alphanumeric character or underscore", name)
	}
	return nil
}

// Package represents an immutable package descriptor
type Package struct {
	// Core metadata
	Name         string
	Version      string
	Description  string
	Architecture Architecture
	URL          string
	License      []string
	Packager     string
	BuildDate    int64

	// Relations
	Depends    []Dependency
	OptDepends []string
	Provides   []Dependency
	Conflicts  []Dependency
	Replaces   []Dependency
	Groups     []string

	// Payload information
	Filename      string
	Size          int64
	InstalledSize int64
	Checksum      Digest
	Signature     []byte

	// OriginRepo is the repository the descriptor came from
	OriginRepo string

	// Files is the list of paths extracted for an installed package,
	// relative to the install root. Empty for repository packages.
	Files []string
}

// Validate enforces the ingestion schema
func (p *Package) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return &PackageError{Package: p.Name, Field: "name", Err: err}
	}
	if err := version.Validate(p.Version); err != nil {
		return &PackageError{Package: p.Name, Field: "version", Err: err}
	}
	if p.Architecture == "" {
		return &PackageError{Package: p.Name, Field: "arch", Err: fmt.Errorf("architecture cannot be empty")}
	}
	if !p.Architecture.Valid() {
		return &PackageError{Package: p.Name, Field: "arch", Err: fmt.Errorf("unsupported architecture %q", p.Architecture)}
	}
	if p.Size < 0 || p.InstalledSize < 0 {
		return &PackageError{Package: p.Name, Field: "size", Err: fmt.Errorf("negative size")}
	}
	if !p.Checksum.IsZero() {
		if err := p.Checksum.Validate(); err != nil {
			return &PackageError{Package: p.Name, Field: "checksum", Err: err}
		}
	}
	if p.Filename != "" {
		if err := ValidateFilename(p.Filename); err != nil {
			return &PackageError{Package: p.Name, Field: "filename", Err: err}
		}
	}

	texts := []struct {
		field  string
		values []string
		list   bool
	}{
		{"desc", []string{p.Description}, false},
		{"url", []string{p.URL}, false},
		{"packager", []string{p.Packager}, false},
		{"license", p.License, true},
		{"groups", p.Groups, true},
		{"optdepends", p.OptDepends, true},
	}
	for _, text := range texts {
		for _, v := range text.values {
			err := validateText(v)
			if err == nil && text.list && v == "" {
				err = fmt.Errorf("list entries cannot be empty")
			}
			if err != nil {
				return &PackageError{Package: p.Name, Field: text.field, Err: err}
			}
		}
	}
	return nil
}

// ValidateFilename checks that name is a bare archive file name that stays
// inside the directory it is joined to
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("file name %q must not contain path separators or \"..\"", name)
	}
	return validateText(name)
}

// validateText rejects values that cannot be stored on a single desc line
func validateText(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("value %q spans several lines", v)
	}
	if len(v) > 2 && strings.HasPrefix(v, "%") && strings.HasSuffix(v, "%") {
		return fmt.Errorf("value %q reads as a field marker", v)
	}
	return nil
}

// Identity returns name-version, the key used for on-disk entries
func (p *Package) Identity() string {
	return fmt.Sprintf("%s-%s", p.Name, p.Version)
}

// PayloadFile returns the file name of the package archive on a mirror
func (p *Package) PayloadFile() string {
	if p.Filename != "" {
		return p.Filename
	}
	return fmt.Sprintf("%s-%s-%s.pkg.tar.zst", p.Name, p.Version, p.Architecture)
}

// Satisfies reports whether p fulfils dep, either by its own name and
// version or through one of its provides. An unversioned provide never
// satisfies a versioned constraint.
func (p *Package) Satisfies(dep Dependency) bool {
	if p.Name == dep.Name && version.Satisfies(p.Version, dep.Op, dep.Version) {
		return true
	}
	return p.ProvidesCapability(dep)
}

// ProvidesCapability is Satisfies restricted to the provides list
func (p *Package) ProvidesCapability(dep Dependency) bool {
	for _, prov := range p.Provides {
		if prov.Name != dep.Name {
			continue
		}
		if dep.Op == version.OpAny {
			return true
		}
		if prov.Version != "" && version.Satisfies(prov.Version, dep.Op, dep.Version) {
			return true
		}
	}
	return false
}

// ConflictsWith returns the first conflicts entry of p matched by other.
// A package never conflicts with another of the same name.
func (p *Package) ConflictsWith(other *Package) (Dependency, bool) {
	if p.Name == other.Name {
		return Dependency{}, false
	}
	for _, c := range p.Conflicts {
		if other.Satisfies(c) {
			return c, true
		}
	}
	return Dependency{}, false
}

// Capabilities returns the sorted, de-duplicated names p provides
func (p *Package) Capabilities() []string {
	seen := make(map[string]bool, len(p.Provides))
	names := make([]string, 0, len(p.Provides))
	for _, prov := range p.Provides {
		if !seen[prov.Name] {
			seen[prov.Name] = true
			names = append(names, prov.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of p
func (p *Package) Clone() *Package {
	c := *p
	c.License = append([]string(nil), p.License...)
	c.Depends = append([]Dependency(nil), p.Depends...)
	c.OptDepends = append([]string(nil), p.OptDepends...)
	c.Provides = append([]Dependency(nil), p.Provides...)
	c.Conflicts = append([]Dependency(nil), p.Conflicts...)
	c.Replaces = append([]Dependency(nil), p.Replaces...)
	c.Groups = append([]string(nil), p.Groups...)
	c.Signature = append([]byte(nil), p.Signature...)
	c.Files = append([]string(nil), p.Files...)
	return &c
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
