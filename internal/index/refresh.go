package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/repodb"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/ralt/syzygia/internal/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves repository files from mirrors
type Fetcher interface {
	Fetch(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest) ([]byte, error)
	// FetchOptional makes a single attempt per mirror for a file that may
	// not exist
	FetchOptional(ctx context.Context, repo models.Repository, relativePath string) ([]byte, error)
}

// RefreshFailure records a repository left out of a refresh cycle
type RefreshFailure struct {
	Repo string
	Err  error
}

// Refresher downloads, verifies and indexes repository databases
type Refresher struct {
	fetcher  Fetcher
	verifier signer.Verifier
	arch     models.Architecture
	// syncDir caches verified databases; empty disables the cache
	syncDir  string
	parallel int
}

// NewRefresher creates a refresher. verifier may be nil when no keyring
// is configured.
func NewRefresher(f Fetcher, verifier signer.Verifier, arch models.Architecture, syncDir string, parallel int) *Refresher {
	if parallel < 1 {
		parallel = 1
	}
	return &Refresher{
		fetcher:  f,
		verifier: verifier,
		arch:     arch,
		syncDir:  syncDir,
		parallel: parallel,
	}
}

// Refresh fetches the database of repo, enforces its signature level and
// builds its index. The verified database is written to the sync cache.
func (r *Refresher) Refresh(ctx context.Context, repo models.Repository) (*RepositoryIndex, error) {
	log := logrus.WithField("repo", repo.Name)
	dbFile := repo.DatabaseFile()

	data, err := r.fetcher.Fetch(ctx, repo, dbFile, models.Digest{})
	if err != nil {
		return nil, err
	}

	var sig []byte
	if repo.SigLevel != models.SigNone {
		sig, err = r.fetcher.FetchOptional(ctx, repo, models.SignatureFile(dbFile))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Debugf("No signature for %s: %v", dbFile, err)
			sig = nil
		}
	}

	idx, err := r.load(repo, data, sig)
	if err != nil {
		return nil, err
	}

	if r.syncDir != "" {
		if err := r.writeCache(repo, data, sig); err != nil {
			log.Warnf("Failed to cache %s: %v", dbFile, err)
		}
	}

	log.Infof("Repository %s is up to date (%d packages)", repo.Name, idx.Len())
	return idx, nil
}

// RefreshAll refreshes repos in parallel. Repositories that fail are left
// out of the result and reported; the indices of the others are returned
// in the order of repos.
func (r *Refresher) RefreshAll(ctx context.Context, repos []models.Repository) ([]*RepositoryIndex, []RefreshFailure) {
	results := make([]*RepositoryIndex, len(repos))
	errs := make([]error, len(repos))

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			results[i], errs[i] = r.Refresh(ctx, repo)
			return nil
		})
	}
	g.Wait()

	return collect(repos, results, errs)
}

// LoadCached builds the index of repo from the sync cache, enforcing the
// signature level again
func (r *Refresher) LoadCached(repo models.Repository) (*RepositoryIndex, error) {
	if r.syncDir == "" {
		return nil, fmt.Errorf("no sync directory configured")
	}
	path := r.cachePath(repo)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("repository %s has not been synchronized, run update first", repo.Name)
		}
		return nil, err
	}

	sig, err := os.ReadFile(models.SignatureFile(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r.load(repo, data, sig)
}

// LoadAllCached is LoadCached for every repository
func (r *Refresher) LoadAllCached(repos []models.Repository) ([]*RepositoryIndex, []RefreshFailure) {
	results := make([]*RepositoryIndex, len(repos))
	errs := make([]error, len(repos))
	for i, repo := range repos {
		results[i], errs[i] = r.LoadCached(repo)
	}
	return collect(repos, results, errs)
}

func (r *Refresher) load(repo models.Repository, data, sig []byte) (*RepositoryIndex, error) {
	if err := signer.Enforce(repo.SigLevel, r.verifier, repo.DatabaseFile(), data, sig); err != nil {
		return nil, err
	}

	pkgs, err := repodb.Decode(data, repo.Name)
	if err != nil {
		return nil, err
	}
	return Build(repo, pkgs, r.arch), nil
}

func (r *Refresher) cachePath(repo models.Repository) string {
	return filepath.Join(r.syncDir, repo.DatabaseFile())
}

func (r *Refresher) writeCache(repo models.Repository, data, sig []byte) error {
	path := r.cachePath(repo)
	sigPath := models.SignatureFile(path)

	// signature first: an interrupted update must fail verification
	if len(sig) > 0 {
		if err := utils.WriteFileAtomic(sigPath, sig, 0644); err != nil {
			return err
		}
	} else if err := os.Remove(sigPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0644)
}

func collect(repos []models.Repository, results []*RepositoryIndex, errs []error) ([]*RepositoryIndex, []RefreshFailure) {
	var indices []*RepositoryIndex
	var failures []RefreshFailure
	for i, repo := range repos {
		if errs[i] != nil {
			logrus.WithField("repo", repo.Name).Errorf("Failed to load repository %s: %v", repo.Name, errs[i])
			failures = append(failures, RefreshFailure{Repo: repo.Name, Err: errs[i]})
			continue
		}
		indices = append(indices, results[i])
	}
	return indices, failures
}
