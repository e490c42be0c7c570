// Package transaction holds resolved change sets and applies them to the
// local database.
package transaction

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ralt/syzygia/internal/models"
)

// OpKind is the kind of change an operation makes
type OpKind int

const (
	OpInstall OpKind = iota
	OpRemove
	OpUpgrade
)

// String returns the string representation of OpKind
func (k OpKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	case OpUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Operation is one step of a transaction. For Install and Upgrade, Package
// is the repository package to install; for Remove it is the installed
// record. From is the installed version (Remove, Upgrade), To the new one
// (Install, Upgrade).
type Operation struct {
	Kind    OpKind
	Package *models.Package
	From    string
	To      string
}

// Install returns an Install operation for pkg
func Install(pkg *models.Package) Operation {
	return Operation{Kind: OpInstall, Package: pkg, To: pkg.Version}
}

// Remove returns a Remove operation for the installed record pkg
func Remove(pkg *models.Package) Operation {
	return Operation{Kind: OpRemove, Package: pkg, From: pkg.Version}
}

// Upgrade returns an Upgrade operation replacing version from with pkg
func Upgrade(pkg *models.Package, from string) Operation {
	return Operation{Kind: OpUpgrade, Package: pkg, From: from, To: pkg.Version}
}

// Name returns the package name the operation touches
func (o Operation) Name() string {
	return o.Package.Name
}

// NeedsPayload reports whether the operation installs a package archive
func (o Operation) NeedsPayload() bool {
	return o.Kind == OpInstall || o.Kind == OpUpgrade
}

func (o Operation) String() string {
	switch o.Kind {
	case OpInstall:
		return fmt.Sprintf("install %s %s", o.Package.Name, o.To)
	case OpRemove:
		return fmt.Sprintf("remove %s %s", o.Package.Name, o.From)
	case OpUpgrade:
		return fmt.Sprintf("upgrade %s %s -> %s", o.Package.Name, o.From, o.To)
	}
	return "unknown operation"
}

// Transaction is an ordered, resolved change set. It is consumed by exactly
// one Execute call.
type Transaction struct {
	ID         uuid.UUID
	Operations []Operation
	// Conflicts lists conflicts accepted because dependency checks were
	// disabled
	Conflicts []models.ConflictPair

	consumed atomic.Bool
}

// New creates a transaction. It fails when a package name appears in more
// than one operation.
func New(ops []Operation, conflicts []models.ConflictPair) (*Transaction, error) {
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.Name()] {
			return nil, fmt.Errorf("package %s appears twice in the transaction", op.Name())
		}
		seen[op.Name()] = true
	}
	return &Transaction{
		ID:         uuid.New(),
		Operations: ops,
		Conflicts:  conflicts,
	}, nil
}

// Empty reports whether there is nothing to do
func (t *Transaction) Empty() bool {
	return len(t.Operations) == 0
}

// DownloadSize is the total archive size of packages to fetch
func (t *Transaction) DownloadSize() int64 {
	var total int64
	for _, op := range t.Operations {
		if op.NeedsPayload() {
			total += op.Package.Size
		}
	}
	return total
}

// InstalledSizeDelta is the change in installed size once applied
func (t *Transaction) InstalledSizeDelta(installed func(name string) (*models.Package, bool)) int64 {
	var delta int64
	for _, op := range t.Operations {
		switch op.Kind {
		case OpInstall:
			delta += op.Package.InstalledSize
		case OpRemove:
			delta -= op.Package.InstalledSize
		case OpUpgrade:
			delta += op.Package.InstalledSize
			if old, ok := installed(op.Name()); ok {
				delta -= old.InstalledSize
			}
		}
	}
	return delta
}
