// Package manager wires configuration, mirrors, indices, the resolver and
// the transaction executor into the operations the command line uses. It
// returns values and never prints.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/ralt/syzygia/internal/config"
	"github.com/ralt/syzygia/internal/extract"
	"github.com/ralt/syzygia/internal/index"
	"github.com/ralt/syzygia/internal/localdb"
	"github.com/ralt/syzygia/internal/mirror"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/resolver"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/ralt/syzygia/internal/transaction"
	"github.com/ralt/syzygia/internal/utils"
	"github.com/ralt/syzygia/internal/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UserAgent is sent to HTTP mirrors
var UserAgent = "syzygia/dev"

// Option customizes a Manager
type Option func(*options)

type options struct {
	transport mirror.Transport
	observer  mirror.Observer
	sleeper   mirror.Sleeper
}

// WithTransport replaces the default file + HTTP transport
func WithTransport(t mirror.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithObserver receives download progress
func WithObserver(obs mirror.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithSleeper replaces the backoff wait between retry passes
func WithSleeper(s mirror.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// Manager is the entry point for package operations
type Manager struct {
	cfg       *config.Config
	store     *localdb.Store
	transport mirror.Transport
	fetcher   *mirror.Fetcher
	refresher *index.Refresher
	executor  *transaction.Executor

	mu      sync.Mutex
	merged  *index.MergedIndex
	failing []index.RefreshFailure
}

// New creates a manager for cfg
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	o := options{observer: mirror.LogObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = mirror.NewSchemeTransport(mirror.NewHTTPTransport(&http.Client{}, UserAgent))
	}

	verifier, err := loadKeyring(cfg.Keyring)
	if err != nil {
		return nil, err
	}

	fetchOpts := []mirror.Option{mirror.WithObserver(o.observer)}
	if o.sleeper != nil {
		fetchOpts = append(fetchOpts, mirror.WithSleeper(o.sleeper))
	}
	fetcher := mirror.NewFetcher(o.transport, mirror.NewSelector(), cfg.RetryPolicy(), fetchOpts...)
	store := localdb.NewStore(cfg.DBPath)

	return &Manager{
		cfg:       cfg,
		store:     store,
		transport: o.transport,
		fetcher:   fetcher,
		refresher: index.NewRefresher(fetcher, verifier, cfg.Arch(), cfg.SyncDir(), cfg.Download.Parallel),
		executor: transaction.NewExecutor(transaction.Config{
			Store:        store,
			Fetcher:      fetcher,
			Extractor:    extract.New(cfg.RootDir),
			Repositories: cfg.Repos(),
			Verifier:     verifier,
			CacheDir:     cfg.CacheDir,
			Parallel:     cfg.Download.Parallel,
		}),
	}, nil
}

// loadKeyring returns nil when path does not exist
func loadKeyring(path string) (signer.Verifier, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("No keyring at %s, signatures cannot be verified", path)
		return nil, nil
	}
	kr, err := signer.LoadKeyring(path)
	if err != nil {
		return nil, &models.ConfigError{Field: "keyring", Err: err}
	}
	logrus.Debugf("Loaded %d keys from %s", kr.Len(), path)
	return kr, nil
}

// Config returns the configuration in use
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Repositories returns the configured repositories
func (m *Manager) Repositories() []models.Repository {
	return m.cfg.Repos()
}

// MirrorStats returns the health statistics gathered for a mirror in this
// process
func (m *Manager) MirrorStats(mirrorURL string) mirror.Stats {
	return m.fetcher.Selector().Stats(mirrorURL)
}

// MirrorReport is the outcome of probing one mirror
type MirrorReport struct {
	Repo   string
	Mirror models.Mirror
	Stats  mirror.Stats
	Err    error
}

// ProbeMirrors downloads the database of every repository from each of its
// mirrors once, recording the results in the mirror statistics. Reports
// are ordered by repository and then by mirror rank after probing.
func (m *Manager) ProbeMirrors(ctx context.Context) ([]MirrorReport, error) {
	policy := m.cfg.RetryPolicy()
	policy.MaxRetries = 1
	probe := mirror.NewFetcher(m.transport, m.fetcher.Selector(), policy)

	var reports []MirrorReport
	for _, repo := range m.cfg.Repos() {
		failed := make(map[string]error)
		for _, mi := range repo.Mirrors {
			single := repo
			single.Mirrors = []models.Mirror{mi}
			if _, err := probe.Fetch(ctx, single, repo.DatabaseFile(), models.Digest{}); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failed[mi.URL] = err
			}
		}
		for _, mi := range m.fetcher.Selector().Rank(repo.Mirrors) {
			reports = append(reports, MirrorReport{
				Repo:   repo.Name,
				Mirror: mi,
				Stats:  m.MirrorStats(mi.URL),
				Err:    failed[mi.URL],
			})
		}
	}
	return reports, nil
}

// maxMirrorlistSize bounds a downloaded mirrorlist
const maxMirrorlistSize = 1 << 20

// MirrorlistUpdate is the outcome of downloading one mirrorlist
type MirrorlistUpdate struct {
	Repo string
	Path string
	// Servers is the number of active Server lines written.
	Servers int
	Err     error
}

// UpdateMirrorlists downloads the mirrorlist of every repository with a
// servers URL and replaces its mirrorlist file. A list that cannot be
// fetched, or that has no usable server, leaves the file untouched. The
// manager keeps the mirrors it was created with.
func (m *Manager) UpdateMirrorlists(ctx context.Context) []MirrorlistUpdate {
	sources := m.cfg.MirrorlistSources()
	updates := make([]MirrorlistUpdate, len(sources))

	var g errgroup.Group
	g.SetLimit(m.cfg.Download.Parallel)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			n, err := m.updateMirrorlist(ctx, src)
			updates[i] = MirrorlistUpdate{Repo: src.Repo, Path: src.Path, Servers: n, Err: err}
			return nil
		})
	}
	g.Wait()
	return updates
}

func (m *Manager) updateMirrorlist(ctx context.Context, src config.MirrorlistSource) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Download.Timeout)
	defer cancel()

	rc, err := m.transport.Open(ctx, src.URL)
	if err != nil {
		return 0, &models.DownloadError{Repo: src.Repo, Path: src.URL, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxMirrorlistSize+1))
	if err != nil {
		return 0, &models.DownloadError{Repo: src.Repo, Path: src.URL, Err: err}
	}
	if len(data) > maxMirrorlistSize {
		return 0, &models.DownloadError{Repo: src.Repo, Path: src.URL, Err: fmt.Errorf("mirrorlist is larger than %s", humanize.IBytes(maxMirrorlistSize))}
	}

	urls, err := config.ParseMirrorlist(bytes.NewReader(data))
	if err != nil {
		return 0, &models.ConfigError{Field: src.Repo + ".servers", Err: err}
	}
	if len(urls) == 0 {
		return 0, &models.ConfigError{Field: src.Repo + ".servers", Err: fmt.Errorf("%s has no active Server line", src.URL)}
	}
	for _, u := range urls {
		if _, err := models.NewMirror(config.ExpandMirror(u, src.Repo, m.cfg.Architecture)); err != nil {
			return 0, &models.ConfigError{Field: src.Repo + ".servers", Err: err}
		}
	}

	if err := utils.WriteFileAtomic(src.Path, data, 0644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", src.Path, err)
	}
	logrus.Debugf("Wrote %d servers for %s to %s", len(urls), src.Repo, src.Path)
	return len(urls), nil
}

// Refresh downloads and indexes a single repository
func (m *Manager) Refresh(ctx context.Context, repo models.Repository) (*index.RepositoryIndex, error) {
	return m.refresher.Refresh(ctx, repo)
}

// RefreshAll refreshes every repository in parallel and makes the result
// the current index. Failed repositories are left out and reported.
func (m *Manager) RefreshAll(ctx context.Context) (*index.MergedIndex, []index.RefreshFailure) {
	indices, failures := m.refresher.RefreshAll(ctx, m.cfg.Repos())
	merged := m.Merge(indices)

	m.mu.Lock()
	m.merged, m.failing = merged, failures
	m.mu.Unlock()
	return merged, failures
}

// Merge combines repository indices by priority
func (m *Manager) Merge(indices []*index.RepositoryIndex) *index.MergedIndex {
	return index.Merge(indices)
}

// Index returns the current merged index, loading the sync cache on first
// use. Repositories missing from the cache are reported as failures.
func (m *Manager) Index() (*index.MergedIndex, []index.RefreshFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.merged == nil {
		indices, failures := m.refresher.LoadAllCached(m.cfg.Repos())
		m.merged, m.failing = index.Merge(indices), failures
	}
	return m.merged, m.failing
}

// Installed returns the published local database
func (m *Manager) Installed() (*localdb.LocalDatabase, error) {
	return m.store.Load()
}

// ListInstalled returns installed packages sorted by name
func (m *Manager) ListInstalled() ([]*models.Package, error) {
	db, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	return db.List(), nil
}

// Search matches query against names and descriptions in every repository
func (m *Manager) Search(query string) []*models.Package {
	idx, _ := m.Index()
	return idx.Search(query)
}

// FindPackage returns the package a name resolves to in the merged index
func (m *Manager) FindPackage(name string) (*models.Package, bool) {
	idx, _ := m.Index()
	return idx.Find(name)
}

// Upgradable pairs an installed package with a newer available version
type Upgradable struct {
	Installed *models.Package
	Available *models.Package
}

// Upgradable lists installed packages with a newer version in the index
func (m *Manager) Upgradable() ([]Upgradable, error) {
	db, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	idx, _ := m.Index()

	var out []Upgradable
	for _, inst := range db.List() {
		avail, ok := idx.Find(inst.Name)
		if ok && version.Compare(avail.Version, inst.Version) > 0 {
			out = append(out, Upgradable{Installed: inst, Available: avail})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Installed.Name < out[j].Installed.Name })
	return out, nil
}

// Resolve plans a request against the published database and the current
// index
func (m *Manager) Resolve(kind resolver.RequestKind, names []string, allowNoDeps bool) (*transaction.Transaction, error) {
	db, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	idx, failures := m.Index()
	for _, f := range failures {
		logrus.Warnf("Repository %s is unavailable: %v", f.Repo, f.Err)
	}
	if kind != resolver.Remove && len(idx.Repositories()) == 0 && len(m.cfg.Repos()) > 0 {
		return nil, fmt.Errorf("no repository database available, run update first")
	}
	return resolver.Resolve(resolver.Request{Kind: kind, Names: names, AllowNoDeps: allowNoDeps}, db, idx)
}

// Execute applies a resolved transaction
func (m *Manager) Execute(ctx context.Context, tx *transaction.Transaction) (*localdb.LocalDatabase, error) {
	return m.executor.Execute(ctx, tx)
}
