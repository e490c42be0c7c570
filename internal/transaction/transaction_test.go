package transaction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ralt/syzygia/internal/extract"
	"github.com/ralt/syzygia/internal/localdb"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/test"
	"github.com/ralt/syzygia/internal/utils"
)

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	calls    int
}

func (f *fakeFetcher) FetchFile(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest, dest string) error {
	f.mu.Lock()
	f.calls++
	data, ok := f.payloads[relativePath]
	f.mu.Unlock()

	if !ok {
		return &models.DownloadError{Repo: repo.Name, Path: relativePath, Err: errors.New("404 Not Found")}
	}
	if err := utils.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

type env struct {
	root    string
	cache   string
	store   *localdb.Store
	fetcher *fakeFetcher
	repo    models.Repository
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	return &env{
		root:    filepath.Join(dir, "root"),
		cache:   filepath.Join(dir, "cache"),
		store:   localdb.NewStore(filepath.Join(dir, "db")),
		fetcher: &fakeFetcher{payloads: make(map[string][]byte)},
		repo:    models.Repository{Name: "core", SigLevel: models.SigNone},
	}
}

func (e *env) executor() *Executor {
	return NewExecutor(Config{
		Store:        e.store,
		Fetcher:      e.fetcher,
		Extractor:    extract.New(e.root),
		Repositories: []models.Repository{e.repo},
		CacheDir:     e.cache,
		Parallel:     2,
	})
}

// serve publishes a package archive holding files on the fake mirror
func (e *env) serve(t *testing.T, pkg *models.Package, files map[string]string) *models.Package {
	t.Helper()
	archive := test.PackageArchive(t, pkg, files)
	pkg.OriginRepo = e.repo.Name
	pkg.Size = int64(len(archive))
	pkg.Checksum = test.Digest(t, archive)
	e.fetcher.payloads[pkg.PayloadFile()] = archive
	return pkg
}

// installed publishes a database holding pkgs and creates their files
func (e *env) installed(t *testing.T, pkgs ...*models.Package) *localdb.LocalDatabase {
	t.Helper()
	db, err := localdb.FromPackages(pkgs)
	if err != nil {
		t.Fatal(err)
	}
	for _, pkg := range pkgs {
		for _, f := range pkg.Files {
			p := filepath.Join(e.root, filepath.FromSlash(f))
			if f[len(f)-1] == '/' {
				os.MkdirAll(p, 0755)
				continue
			}
			os.MkdirAll(filepath.Dir(p), 0755)
			if err := os.WriteFile(p, []byte(pkg.Name), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := e.store.Publish(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func (e *env) exists(rel string) bool {
	_, err := os.Lstat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

func newTransaction(t *testing.T, ops ...Operation) *Transaction {
	t.Helper()
	tx, err := New(ops, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func transactionError(t *testing.T, err error, phase string) *models.TransactionError {
	t.Helper()
	var terr *models.TransactionError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want a TransactionError", err)
	}
	if terr.Phase != phase {
		t.Fatalf("phase = %s, want %s (%v)", terr.Phase, phase, err)
	}
	return terr
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	foo := test.Pkg("foo", "1.0-1")
	if _, err := New([]Operation{Install(foo), Remove(foo)}, nil); err == nil {
		t.Error("New() should reject a name used twice")
	}
}

func TestExecuteInstallAndRemove(t *testing.T) {
	e := newEnv(t)
	old := test.Pkg("old", "1.0-1")
	old.Files = []string{"opt/", "opt/old"}
	e.installed(t, old)

	foo := e.serve(t, test.Pkg("foo", "1.0-1"), map[string]string{"usr/bin/foo": "foo"})
	tx := newTransaction(t, Remove(old), Install(foo))

	db, err := e.executor().Execute(context.Background(), tx)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	loaded, err := e.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Equal(db) {
		t.Error("returned database differs from the published one")
	}
	if loaded.Has("old") {
		t.Error("old is still recorded")
	}
	rec, ok := loaded.Get("foo")
	if !ok || len(rec.Files) != 3 || rec.OriginRepo != "core" {
		t.Errorf("foo record = %+v", rec)
	}
	if !e.exists("usr/bin/foo") {
		t.Error("usr/bin/foo was not extracted")
	}
	if e.exists("opt/old") || e.exists("opt") {
		t.Error("files of old were not removed")
	}
}

func TestExecuteUpgradeRemovesDroppedFiles(t *testing.T) {
	e := newEnv(t)
	foo1 := test.Pkg("foo", "1.0-1")
	foo1.Files = []string{"usr/", "usr/bin/", "usr/bin/foo", "usr/bin/foo-legacy"}
	e.installed(t, foo1)

	foo2 := e.serve(t, test.Pkg("foo", "2.0-1"), map[string]string{"usr/bin/foo": "foo 2"})
	tx := newTransaction(t, Upgrade(foo2, "1.0-1"))

	if _, err := e.executor().Execute(context.Background(), tx); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(e.root, "usr", "bin", "foo"))
	if string(content) != "foo 2" {
		t.Errorf("usr/bin/foo = %q", content)
	}
	if e.exists("usr/bin/foo-legacy") {
		t.Error("file dropped by the new version was kept")
	}
	loaded, _ := e.store.Load()
	if rec, _ := loaded.Get("foo"); rec.Version != "2.0-1" {
		t.Errorf("recorded version = %s", rec.Version)
	}
}

func TestExecuteApplyFailureLeavesDatabaseUntouched(t *testing.T) {
	e := newEnv(t)
	before := e.installed(t, test.Pkg("base", "1.0-1"))

	a := e.serve(t, test.Pkg("a", "1.0-1"), map[string]string{"opt/a": "a"})
	c := e.serve(t, test.Pkg("c", "1.0-1"), map[string]string{"opt/c": "c"})

	// b downloads and verifies fine but is not an archive
	b := test.Pkg("b", "1.0-1")
	corrupt := []byte("this is not a package archive")
	b.OriginRepo = "core"
	b.Checksum = test.Digest(t, corrupt)
	e.fetcher.payloads[b.PayloadFile()] = corrupt

	tx := newTransaction(t, Install(a), Install(b), Install(c))
	_, err := e.executor().Execute(context.Background(), tx)
	terr := transactionError(t, err, PhaseApply)
	if terr.Index != 1 {
		t.Errorf("failing operation index = %d, want 1", terr.Index)
	}

	loaded, err := e.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Equal(before) {
		t.Error("local database changed after a failed transaction")
	}
	if e.exists("opt/c") {
		t.Error("operation after the failing one was applied")
	}
}

func TestExecuteApplyFailureKeepsFilesOfRemovedPackages(t *testing.T) {
	e := newEnv(t)
	old := test.Pkg("old", "1.0-1")
	old.Files = []string{"opt/", "opt/old"}
	before := e.installed(t, old)

	b := test.Pkg("b", "1.0-1")
	corrupt := []byte("this is not a package archive")
	b.OriginRepo = "core"
	b.Checksum = test.Digest(t, corrupt)
	e.fetcher.payloads[b.PayloadFile()] = corrupt

	tx := newTransaction(t, Remove(old), Install(b))
	_, err := e.executor().Execute(context.Background(), tx)
	if terr := transactionError(t, err, PhaseApply); terr.Index != 1 {
		t.Errorf("failing operation index = %d, want 1", terr.Index)
	}

	loaded, _ := e.store.Load()
	if !loaded.Equal(before) {
		t.Error("local database changed after a failed transaction")
	}
	if !e.exists("opt/old") {
		t.Error("files of a package still recorded as installed were deleted")
	}
}

func TestExecuteRemoveKeepsFilesTakenOverByNewPackage(t *testing.T) {
	e := newEnv(t)
	old := test.Pkg("old", "1.0-1")
	old.Files = []string{"usr/", "usr/bin/", "usr/bin/tool", "usr/bin/old-only"}
	e.installed(t, old)

	repl := e.serve(t, test.Pkg("new", "1.0-1"), map[string]string{"usr/bin/tool": "new tool"})
	tx := newTransaction(t, Remove(old), Install(repl))
	if _, err := e.executor().Execute(context.Background(), tx); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(e.root, "usr", "bin", "tool"))
	if err != nil || string(content) != "new tool" {
		t.Errorf("usr/bin/tool = %q, %v", content, err)
	}
	if e.exists("usr/bin/old-only") {
		t.Error("file only the removed package owned was kept")
	}
}

func TestExecuteFetchFailureAppliesNothing(t *testing.T) {
	e := newEnv(t)
	before := e.installed(t, test.Pkg("base", "1.0-1"))

	a := e.serve(t, test.Pkg("a", "1.0-1"), map[string]string{"opt/a": "a"})
	missing := test.Pkg("missing", "1.0-1")
	missing.OriginRepo = "core"

	tx := newTransaction(t, Install(a), Install(missing))
	_, err := e.executor().Execute(context.Background(), tx)
	terr := transactionError(t, err, PhaseFetch)
	if terr.Index != 1 {
		t.Errorf("failing operation index = %d, want 1", terr.Index)
	}
	var derr *models.DownloadError
	if !errors.As(err, &derr) {
		t.Errorf("error %v does not wrap the DownloadError", err)
	}

	if e.exists("opt/a") {
		t.Error("payload extracted although the fetch phase failed")
	}
	loaded, _ := e.store.Load()
	if !loaded.Equal(before) {
		t.Error("local database changed after a failed fetch")
	}
}

func TestExecuteRejectsFilenameOutsideCache(t *testing.T) {
	e := newEnv(t)
	evil := test.Pkg("evil", "1.0-1")
	evil.Filename = "../../escaped.pkg.tar.zst"
	e.serve(t, evil, map[string]string{"opt/evil": "evil"})

	_, err := e.executor().Execute(context.Background(), newTransaction(t, Install(evil)))
	transactionError(t, err, PhaseFetch)

	if _, err := os.Stat(filepath.Join(e.cache, "..", "..", "escaped.pkg.tar.zst")); !os.IsNotExist(err) {
		t.Errorf("payload written outside the cache directory: %v", err)
	}
	if e.fetcher.calls != 0 {
		t.Errorf("fetcher called %d times for an invalid file name", e.fetcher.calls)
	}
}

func TestExecuteDetectsStaleTransaction(t *testing.T) {
	e := newEnv(t)
	e.installed(t, test.Pkg("foo", "1.1-1"))

	tests := []struct {
		name string
		op   Operation
	}{
		{"install of installed package", Install(e.serve(t, test.Pkg("foo", "2.0-1"), nil))},
		{"remove at another version", Remove(test.Pkg("foo", "1.0-1"))},
		{"upgrade of missing package", Upgrade(e.serve(t, test.Pkg("bar", "2.0-1"), nil), "1.0-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.executor().Execute(context.Background(), newTransaction(t, tt.op))
			transactionError(t, err, PhaseCheck)
		})
	}
	if e.fetcher.calls != 0 {
		t.Errorf("stale transactions fetched %d payloads", e.fetcher.calls)
	}
}

func TestExecuteConsumesTransactionOnce(t *testing.T) {
	e := newEnv(t)
	foo := e.serve(t, test.Pkg("foo", "1.0-1"), map[string]string{"opt/foo": "foo"})
	tx := newTransaction(t, Install(foo))

	if _, err := e.executor().Execute(context.Background(), tx); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_, err := e.executor().Execute(context.Background(), tx)
	transactionError(t, err, PhaseCheck)
}

func TestExecuteReusesCachedPayload(t *testing.T) {
	e := newEnv(t)
	foo := e.serve(t, test.Pkg("foo", "1.0-1"), map[string]string{"opt/foo": "foo"})
	if err := utils.WriteFile(filepath.Join(e.cache, foo.PayloadFile()), e.fetcher.payloads[foo.PayloadFile()], 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := e.executor().Execute(context.Background(), newTransaction(t, Install(foo))); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if e.fetcher.calls != 0 {
		t.Errorf("cached payload was downloaded again (%d calls)", e.fetcher.calls)
	}
}

func TestExecuteRequiresPackageSignature(t *testing.T) {
	e := newEnv(t)
	e.repo.SigLevel = models.SigRequired
	foo := e.serve(t, test.Pkg("foo", "1.0-1"), map[string]string{"opt/foo": "foo"})

	_, err := e.executor().Execute(context.Background(), newTransaction(t, Install(foo)))
	transactionError(t, err, PhaseFetch)
	var ierr *models.IntegrityError
	if !errors.As(err, &ierr) || ierr.Kind != models.IntegritySignature {
		t.Errorf("error = %v, want a signature IntegrityError", err)
	}
	if utils.FileExists(filepath.Join(e.cache, foo.PayloadFile())) {
		t.Error("unverified payload left in the cache")
	}
}

func TestExecuteWhileLocked(t *testing.T) {
	e := newEnv(t)
	lock, err := e.store.Lock()
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()

	foo := e.serve(t, test.Pkg("foo", "1.0-1"), nil)
	_, err = e.executor().Execute(context.Background(), newTransaction(t, Install(foo)))
	transactionError(t, err, PhaseLock)
	if !errors.Is(err, models.ErrDatabaseLocked) {
		t.Errorf("error = %v, want ErrDatabaseLocked", err)
	}
}
