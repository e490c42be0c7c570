package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralt/syzygia/internal/extract"
	"github.com/ralt/syzygia/internal/localdb"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/ralt/syzygia/internal/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Transaction phases, as reported in models.TransactionError
const (
	PhaseLock  = "lock"
	PhaseCheck = "check"
	PhaseFetch = "fetch"
	PhaseApply = "apply"
)

// PayloadFetcher downloads a verified package archive to dest
type PayloadFetcher interface {
	FetchFile(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest, dest string) error
}

// Config holds the collaborators of an Executor
type Config struct {
	Store        *localdb.Store
	Fetcher      PayloadFetcher
	Extractor    *extract.Extractor
	Repositories []models.Repository
	// Verifier checks package signatures; nil when no keyring is set up
	Verifier signer.Verifier
	CacheDir string
	Parallel int
}

// Executor applies transactions to the local database with a two-phase
// protocol: every payload is fetched and verified first, then operations
// are applied to a copy of the database that is published in one swap.
type Executor struct {
	store     *localdb.Store
	fetcher   PayloadFetcher
	extractor *extract.Extractor
	repos     map[string]models.Repository
	verifier  signer.Verifier
	cacheDir  string
	parallel  int
}

// NewExecutor creates an executor
func NewExecutor(cfg Config) *Executor {
	repos := make(map[string]models.Repository, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repos[r.Name] = r
	}
	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	return &Executor{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		extractor: cfg.Extractor,
		repos:     repos,
		verifier:  cfg.Verifier,
		cacheDir:  cfg.CacheDir,
		parallel:  parallel,
	}
}

// Execute applies tx and returns the newly published database. The global
// lock is held for the whole call. On error the previously published
// database is left as it was.
func (e *Executor) Execute(ctx context.Context, tx *Transaction) (*localdb.LocalDatabase, error) {
	if !tx.consumed.CompareAndSwap(false, true) {
		return nil, &models.TransactionError{Phase: PhaseCheck, Index: -1, Err: fmt.Errorf("transaction %s was already executed", tx.ID)}
	}
	log := logrus.WithField("txn", tx.ID.String())

	lock, err := e.store.Lock()
	if err != nil {
		return nil, &models.TransactionError{Phase: PhaseLock, Index: -1, Err: err}
	}
	defer lock.Unlock()

	current, err := e.store.Load()
	if err != nil {
		return nil, &models.TransactionError{Phase: PhaseLock, Index: -1, Err: err}
	}
	if err := checkPreconditions(current, tx); err != nil {
		return nil, err
	}
	if tx.Empty() {
		log.Info("Nothing to do")
		return current, nil
	}

	log.Infof("Retrieving packages for %d operations", len(tx.Operations))
	payloads, err := e.fetchAll(ctx, tx)
	if err != nil {
		return nil, err
	}

	log.Info("Applying transaction")
	next, stale, err := e.apply(ctx, log, current, tx, payloads)
	if err != nil {
		return nil, err
	}

	staged, err := e.store.Stage(next)
	if err != nil {
		return nil, &models.TransactionError{Phase: PhaseApply, Index: -1, Err: err}
	}
	if err := staged.Publish(); err != nil {
		return nil, &models.TransactionError{Phase: PhaseApply, Index: -1, Err: err}
	}

	// old files go only once the new database is visible
	if err := e.extractor.Remove(unowned(next, stale)); err != nil {
		log.Warnf("Could not remove every obsolete file: %v", err)
	}
	log.Infof("Transaction complete: %d operations applied", len(tx.Operations))
	return next, nil
}

// checkPreconditions detects a database that changed since tx was resolved
func checkPreconditions(db *localdb.LocalDatabase, tx *Transaction) error {
	for i, op := range tx.Operations {
		inst, installed := db.Get(op.Name())
		var err error
		switch op.Kind {
		case OpInstall:
			if installed {
				err = fmt.Errorf("%s is already installed", inst.Identity())
			}
		case OpRemove, OpUpgrade:
			switch {
			case !installed:
				err = fmt.Errorf("%s is no longer installed", op.Name())
			case inst.Version != op.From:
				err = fmt.Errorf("%s is installed at %s, expected %s", op.Name(), inst.Version, op.From)
			}
		}
		if err != nil {
			return &models.TransactionError{Phase: PhaseCheck, Index: i, Operation: op.String(), Err: err}
		}
	}
	return nil
}

// fetchAll retrieves every payload into the cache, in parallel. The result
// maps operation index to the archive path.
func (e *Executor) fetchAll(ctx context.Context, tx *Transaction) (map[int]string, error) {
	paths := make([]string, len(tx.Operations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, op := range tx.Operations {
		if !op.NeedsPayload() {
			continue
		}
		i, op := i, op
		g.Go(func() error {
			path, err := e.fetchPayload(gctx, op.Package)
			if err != nil {
				return &models.TransactionError{Phase: PhaseFetch, Index: i, Operation: op.String(), Err: err}
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	payloads := make(map[int]string)
	for i, p := range paths {
		if p != "" {
			payloads[i] = p
		}
	}
	return payloads, nil
}

// fetchPayload returns the cached archive of pkg, downloading it unless an
// intact copy is already there, and checks its signature
func (e *Executor) fetchPayload(ctx context.Context, pkg *models.Package) (string, error) {
	repo, ok := e.repos[pkg.OriginRepo]
	if !ok {
		return "", fmt.Errorf("%s comes from unknown repository %q", pkg.Name, pkg.OriginRepo)
	}

	file := pkg.PayloadFile()
	if err := models.ValidateFilename(file); err != nil {
		return "", &models.PackageError{Package: pkg.Name, Field: "filename", Err: err}
	}
	dest := filepath.Join(e.cacheDir, file)
	if cached(dest, pkg.Checksum) {
		logrus.Debugf("Using cached %s", file)
	} else if err := e.fetcher.FetchFile(ctx, repo, file, pkg.Checksum, dest); err != nil {
		return "", err
	}

	if repo.SigLevel != models.SigNone {
		data, err := os.ReadFile(dest)
		if err != nil {
			return "", err
		}
		if err := signer.Enforce(repo.SigLevel, e.verifier, file, data, pkg.Signature); err != nil {
			os.Remove(dest)
			return "", err
		}
	}
	return dest, nil
}

func cached(path string, expected models.Digest) bool {
	if expected.IsZero() || !utils.FileExists(path) {
		return false
	}
	actual, err := utils.FileDigest(path, expected.Algorithm)
	if err != nil {
		return false
	}
	if !actual.Equal(expected) {
		logrus.Debugf("Cached %s does not match its checksum, fetching again", filepath.Base(path))
		return false
	}
	return true
}

// apply runs the operations in order against a copy of current. It
// extracts new payloads but deletes nothing: the files of removed and
// upgraded packages are returned for deletion after the publish.
func (e *Executor) apply(ctx context.Context, log *logrus.Entry, current *localdb.LocalDatabase, tx *Transaction, payloads map[int]string) (*localdb.LocalDatabase, []string, error) {
	next := current.Clone()
	var stale []string
	for i, op := range tx.Operations {
		if err := ctx.Err(); err != nil {
			return nil, nil, &models.TransactionError{Phase: PhaseApply, Index: i, Operation: op.String(), Err: err}
		}
		log.WithField("op", i).Infof("(%d/%d) %s", i+1, len(tx.Operations), op)

		var (
			files []string
			err   error
		)
		switch op.Kind {
		case OpRemove:
			files, err = e.remove(next, op.Name())
		case OpInstall, OpUpgrade:
			files, err = e.install(ctx, next, op.Package, payloads[i])
		}
		if err != nil {
			log.WithField("op", i).Errorf("Operation failed: %v", err)
			return nil, nil, &models.TransactionError{Phase: PhaseApply, Index: i, Operation: op.String(), Err: err}
		}
		stale = append(stale, files...)
	}
	return next, stale, nil
}

// remove drops name from db and returns its files
func (e *Executor) remove(db *localdb.LocalDatabase, name string) ([]string, error) {
	old, ok := db.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s is not installed", name)
	}
	db.Remove(name)
	return old.Files, nil
}

// install extracts archive and records pkg in db. On upgrade the files of
// the previous version are returned.
func (e *Executor) install(ctx context.Context, db *localdb.LocalDatabase, pkg *models.Package, archive string) ([]string, error) {
	if archive == "" {
		return nil, fmt.Errorf("no payload retrieved for %s", pkg.Identity())
	}
	files, err := e.extractor.Extract(ctx, archive)
	if err != nil {
		return nil, err
	}

	record := pkg.Clone()
	record.Files = files

	old, upgrading := db.Get(pkg.Name)
	db.Put(record)
	if !upgrading {
		return nil, nil
	}
	return old.Files, nil
}

// unowned filters files down to those no package in db lists
func unowned(db *localdb.LocalDatabase, files []string) []string {
	if len(files) == 0 {
		return nil
	}
	owned := make(map[string]bool)
	for _, pkg := range db.List() {
		for _, f := range pkg.Files {
			owned[f] = true
		}
	}
	var out []string
	for _, f := range files {
		if !owned[f] {
			out = append(out, f)
		}
	}
	return out
}
