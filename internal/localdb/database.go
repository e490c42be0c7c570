// Package localdb holds the record of installed packages and its on-disk
// store.
package localdb

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/repodb"
)

// LocalDatabase maps installed package names to their records, with an
// index of the capabilities they provide. Readers share it freely; the
// transaction executor mutates a Clone and publishes it through a Store.
type LocalDatabase struct {
	packages     map[string]*models.Package
	capabilities map[string][]string
}

// New returns an empty database
func New() *LocalDatabase {
	return &LocalDatabase{
		packages:     make(map[string]*models.Package),
		capabilities: make(map[string][]string),
	}
}

// FromPackages builds a database. Two records for one name are an error.
func FromPackages(pkgs []*models.Package) (*LocalDatabase, error) {
	db := New()
	for _, pkg := range pkgs {
		if _, dup := db.packages[pkg.Name]; dup {
			return nil, fmt.Errorf("package %s is installed twice", pkg.Name)
		}
		db.Put(pkg)
	}
	return db, nil
}

// Get returns the installed record of name
func (db *LocalDatabase) Get(name string) (*models.Package, bool) {
	pkg, ok := db.packages[name]
	return pkg, ok
}

// Has reports whether name is installed
func (db *LocalDatabase) Has(name string) bool {
	_, ok := db.packages[name]
	return ok
}

// Len returns the number of installed packages
func (db *LocalDatabase) Len() int {
	return len(db.packages)
}

// List returns every installed package, sorted by name
func (db *LocalDatabase) List() []*models.Package {
	list := make([]*models.Package, 0, len(db.packages))
	for _, pkg := range db.packages {
		list = append(list, pkg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Providers returns the installed packages declaring capability in their
// provides, sorted by name
func (db *LocalDatabase) Providers(capability string) []*models.Package {
	names := db.capabilities[capability]
	pkgs := make([]*models.Package, 0, len(names))
	for _, name := range names {
		pkgs = append(pkgs, db.packages[name])
	}
	return pkgs
}

// Satisfier returns the installed package meeting dep, preferring a real
// name match over a provider
func (db *LocalDatabase) Satisfier(dep models.Dependency) (*models.Package, bool) {
	if pkg, ok := db.packages[dep.Name]; ok && pkg.Satisfies(dep) {
		return pkg, true
	}
	for _, pkg := range db.Providers(dep.Name) {
		if pkg.ProvidesCapability(dep) {
			return pkg, true
		}
	}
	return nil, false
}

// Clone returns an independent copy
func (db *LocalDatabase) Clone() *LocalDatabase {
	c := New()
	for _, pkg := range db.packages {
		c.Put(pkg.Clone())
	}
	return c
}

// Put installs pkg, replacing any record with the same name
func (db *LocalDatabase) Put(pkg *models.Package) {
	db.Remove(pkg.Name)
	db.packages[pkg.Name] = pkg
	for _, capability := range pkg.Capabilities() {
		names := append(db.capabilities[capability], pkg.Name)
		sort.Strings(names)
		db.capabilities[capability] = names
	}
}

// Remove drops the record of name and reports whether it existed
func (db *LocalDatabase) Remove(name string) bool {
	pkg, ok := db.packages[name]
	if !ok {
		return false
	}
	delete(db.packages, name)
	for _, capability := range pkg.Capabilities() {
		names := db.capabilities[capability]
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(db.capabilities, capability)
		} else {
			db.capabilities[capability] = kept
		}
	}
	return true
}

// Equal compares the full persisted content of two databases
func (db *LocalDatabase) Equal(other *LocalDatabase) bool {
	if db.Len() != other.Len() {
		return false
	}
	for name, pkg := range db.packages {
		o, ok := other.packages[name]
		if !ok {
			return false
		}
		if !bytes.Equal(repodb.MarshalDesc(pkg), repodb.MarshalDesc(o)) ||
			!bytes.Equal(repodb.MarshalFiles(pkg.Files), repodb.MarshalFiles(o.Files)) {
			return false
		}
	}
	return true
}
