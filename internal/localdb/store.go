package localdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/repodb"
	"github.com/ralt/syzygia/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	currentLink    = "local"
	generationsDir = "local.d"
	lockFile       = "db.lck"
	stagingPrefix  = ".staging-"
)

// Store persists a LocalDatabase under a directory:
//
//	<root>/local              symlink to the published generation
//	<root>/local.d/<id>/      one directory per generation
//	  <name>-<version>/desc   package record
//	  <name>-<version>/files  extracted paths
//	<root>/db.lck             global write lock
//
// Publishing renames a new symlink over "local", so readers see either the
// old generation or the new one.
type Store struct {
	root string
}

// NewStore creates a store rooted at dbPath
func NewStore(dbPath string) *Store {
	return &Store{root: dbPath}
}

// Root returns the database directory
func (s *Store) Root() string {
	return s.root
}

// Lock takes the global write lock without waiting. It returns
// models.ErrDatabaseLocked when another process holds it.
func (s *Store) Lock() (*Lock, error) {
	if err := utils.EnsureDir(s.root); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(s.root, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", models.ErrDatabaseLocked, fl.Path())
	}
	logrus.Debugf("Acquired %s", fl.Path())
	return &Lock{fl: fl}, nil
}

// Lock is a held database write lock
type Lock struct {
	fl *flock.Flock
}

// Unlock releases the lock
func (l *Lock) Unlock() error {
	logrus.Debugf("Releasing %s", l.fl.Path())
	return l.fl.Unlock()
}

// Load reads the published database. A store that was never published
// yields an empty database.
func (s *Store) Load() (*LocalDatabase, error) {
	dir := filepath.Join(s.root, currentLink)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, &dbError{op: "reading", path: dir, err: err}
	}

	pkgs := make([]*models.Package, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pkg, err := readRecord(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, &dbError{op: "reading", path: filepath.Join(dir, entry.Name()), err: err}
		}
		if pkg.Identity() != entry.Name() {
			return nil, &dbError{op: "reading", path: entry.Name(), err: fmt.Errorf("record describes %s", pkg.Identity())}
		}
		pkgs = append(pkgs, pkg)
	}

	db, err := FromPackages(pkgs)
	if err != nil {
		return nil, &dbError{op: "reading", path: dir, err: err}
	}
	return db, nil
}

// Stage writes db into a new, unpublished generation
func (s *Store) Stage(db *LocalDatabase) (*Staged, error) {
	base := filepath.Join(s.root, generationsDir)
	if err := utils.EnsureDir(base); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir := filepath.Join(base, stagingPrefix+id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, err
	}

	staged := &Staged{store: s, id: id, dir: dir}
	for _, pkg := range db.List() {
		if err := writeRecord(filepath.Join(dir, pkg.Identity()), pkg); err != nil {
			staged.Discard()
			return nil, &dbError{op: "staging", path: pkg.Identity(), err: err}
		}
	}
	return staged, nil
}

// Publish stages and publishes db in one step
func (s *Store) Publish(db *LocalDatabase) error {
	staged, err := s.Stage(db)
	if err != nil {
		return err
	}
	return staged.Publish()
}

// Staged is a generation written to disk but not yet visible
type Staged struct {
	store *Store
	id    string
	dir   string
	done  bool
}

// Publish makes the staged generation current and removes the previous one
func (st *Staged) Publish() error {
	if st.done {
		return fmt.Errorf("staged database already published or discarded")
	}
	s := st.store
	base := filepath.Join(s.root, generationsDir)
	genDir := filepath.Join(base, st.id)
	if err := os.Rename(st.dir, genDir); err != nil {
		st.Discard()
		return &dbError{op: "publishing", path: genDir, err: err}
	}
	st.dir = genDir

	link := filepath.Join(s.root, currentLink)
	previous, _ := os.Readlink(link)

	tmpLink := filepath.Join(s.root, "."+currentLink+"-"+st.id)
	if err := os.Symlink(filepath.Join(generationsDir, st.id), tmpLink); err != nil {
		st.Discard()
		return &dbError{op: "publishing", path: tmpLink, err: err}
	}
	if err := os.Rename(tmpLink, link); err != nil {
		os.Remove(tmpLink)
		st.Discard()
		return &dbError{op: "publishing", path: link, err: err}
	}
	st.done = true

	if previous != "" && strings.HasPrefix(previous, generationsDir+string(filepath.Separator)) {
		if err := os.RemoveAll(filepath.Join(s.root, previous)); err != nil {
			logrus.Warnf("Failed to remove previous database generation %s: %v", previous, err)
		}
	}
	logrus.Debugf("Published local database generation %s", st.id)
	return nil
}

// Discard removes the staged generation. It is a no-op after Publish.
func (st *Staged) Discard() {
	if st.done {
		return
	}
	st.done = true
	if err := os.RemoveAll(st.dir); err != nil {
		logrus.Warnf("Failed to remove staged database %s: %v", st.dir, err)
	}
}

func writeRecord(dir string, pkg *models.Package) error {
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "desc"), repodb.MarshalDesc(pkg), 0644); err != nil {
		return err
	}
	if files := repodb.MarshalFiles(pkg.Files); files != nil {
		if err := os.WriteFile(filepath.Join(dir, "files"), files, 0644); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(dir string) (*models.Package, error) {
	desc, err := os.ReadFile(filepath.Join(dir, "desc"))
	if err != nil {
		return nil, err
	}
	pkg, err := repodb.UnmarshalDesc(desc)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadFile(filepath.Join(dir, "files"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(files) > 0 {
		if pkg.Files, err = repodb.UnmarshalFiles(files); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

// dbError wraps local database I/O failures
type dbError struct {
	op   string
	path string
	err  error
}

func (e *dbError) Error() string {
	return fmt.Sprintf("[%s] %s %s: %v", models.ErrDatabase, e.op, e.path, e.err)
}

func (e *dbError) Unwrap() error          { return e.err }
func (e *dbError) Type() models.ErrorType { return models.ErrDatabase }
