package repodb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/scanner"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/ralt/syzygia/internal/utils"
	"github.com/ralt/syzygia/internal/version"
	"github.com/sirupsen/logrus"
)

// BuildOptions configures a repository build
type BuildOptions struct {
	InputDir  string
	OutputDir string
	// RepoName defaults to the sanitized base name of OutputDir
	RepoName string
	// Algorithm is the checksum written for each package, sha256 by default
	Algorithm models.HashAlgorithm
}

// Builder writes a repository servable by a file:// or HTTP mirror from a
// directory of package archives
type Builder struct {
	scanner scanner.Scanner
	signer  signer.Signer
}

// NewBuilder creates a new builder. s may be nil for unsigned repositories.
func NewBuilder(sc scanner.Scanner, s signer.Signer) *Builder {
	return &Builder{
		scanner: sc,
		signer:  s,
	}
}

// Build scans opts.InputDir, copies packages to opts.OutputDir and writes
// the database. It returns the packages written to the database.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) ([]*models.Package, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = models.HashSHA256
	}
	repoName := opts.RepoName
	if repoName == "" {
		abs, err := filepath.Abs(opts.OutputDir)
		if err != nil {
			return nil, err
		}
		repoName = sanitizeRepoName(filepath.Base(abs))
	}
	if err := models.ValidateName(repoName); err != nil {
		return nil, &models.ConfigError{Field: "repo-name", Err: err}
	}

	logrus.Infof("Building repository %s from %s", repoName, opts.InputDir)

	scanned, err := b.scanner.Scan(ctx, opts.InputDir)
	if err != nil {
		return nil, err
	}

	// Keep the newest build of every package name
	byName := make(map[string]*models.Package)
	sources := make(map[string]string)
	for _, s := range scanned {
		pkg, err := ReadPackageFile(s.Path, opts.Algorithm)
		if err != nil {
			logrus.Warnf("Failed to parse %s: %v", s.Path, err)
			continue
		}
		if prev, ok := byName[pkg.Name]; ok {
			if version.Compare(prev.Version, pkg.Version) >= 0 {
				logrus.Warnf("Ignoring %s, %s is newer", s.Path, prev.Identity())
				continue
			}
			logrus.Warnf("Replacing %s with %s", prev.Identity(), pkg.Identity())
		}
		byName[pkg.Name] = pkg
		sources[pkg.Name] = s.Path
	}

	if err := utils.EnsureDir(opts.OutputDir); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	packages := make([]*models.Package, 0, len(names))
	for _, name := range names {
		pkg := byName[name]
		srcPath := sources[name]
		dstPath := filepath.Join(opts.OutputDir, pkg.Filename)

		if err := copyIfDifferent(srcPath, dstPath); err != nil {
			return nil, fmt.Errorf("failed to copy package: %w", err)
		}

		// Sign each package file
		if b.signer != nil {
			pkgData, err := os.ReadFile(dstPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read package %s: %w", pkg.Filename, err)
			}
			pkgSig, err := b.signer.SignDetached(pkgData)
			if err != nil {
				return nil, fmt.Errorf("failed to sign package %s: %w", pkg.Filename, err)
			}
			if err := utils.WriteFile(models.SignatureFile(dstPath), pkgSig, 0644); err != nil {
				return nil, fmt.Errorf("failed to write package signature: %w", err)
			}
			pkg.Signature = pkgSig
		}

		packages = append(packages, pkg)
	}

	// Generate database
	dbData, err := Encode(packages)
	if err != nil {
		return nil, fmt.Errorf("failed to generate database: %w", err)
	}

	var dbSig []byte
	if b.signer != nil {
		dbSig, err = b.signer.SignDetached(dbData)
		if err != nil {
			return nil, fmt.Errorf("failed to sign database: %w", err)
		}
	}

	// <repo>.db is what mirrors are asked for, <repo>.db.tar.zst is kept
	// for tooling that expects the long name
	for _, name := range []string{repoName + ".db.tar.zst", repoName + ".db"} {
		dbPath := filepath.Join(opts.OutputDir, name)
		if err := utils.WriteFileAtomic(dbPath, dbData, 0644); err != nil {
			return nil, fmt.Errorf("failed to write database: %w", err)
		}
		if dbSig != nil {
			if err := utils.WriteFileAtomic(models.SignatureFile(dbPath), dbSig, 0644); err != nil {
				return nil, fmt.Errorf("failed to write database signature: %w", err)
			}
		}
	}

	if b.signer != nil {
		logrus.Info("Repository signed successfully")
	}
	logrus.Infof("Repository %s generated successfully (%d packages)", repoName, len(packages))
	return packages, nil
}

func copyIfDifferent(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return nil
	}
	return utils.CopyFile(src, dst)
}

// sanitizeRepoName sanitizes a repository name for use in filenames
func sanitizeRepoName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	// Replace any character that's not alphanumeric or hyphen
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('-')
		}
	}
	return strings.Trim(result.String(), "-")
}
