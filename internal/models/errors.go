package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrConfig ErrorType = iota
	ErrPackageParse
	ErrResolution
	ErrDownload
	ErrIntegrity
	ErrTransaction
	ErrDatabase
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrConfig:
		return "Config"
	case ErrPackageParse:
		return "PackageParse"
	case ErrResolution:
		return "Resolution"
	case ErrDownload:
		return "Download"
	case ErrIntegrity:
		return "Integrity"
	case ErrTransaction:
		return "Transaction"
	case ErrDatabase:
		return "Database"
	default:
		return "Unknown"
	}
}

// ErrDatabaseLocked is returned when another process holds the database lock.
var ErrDatabaseLocked = errors.New("database is locked")

// ConfigError reports malformed settings. It is always fatal.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %v", ErrConfig, e.Field, e.Err)
	}
	return fmt.Sprintf("[%s] %v", ErrConfig, e.Err)
}

func (e *ConfigError) Unwrap() error   { return e.Err }
func (e *ConfigError) Type() ErrorType { return ErrConfig }

// PackageError represents a package record rejected at ingestion
type PackageError struct {
	Package string
	Field   string
	Err     error
}

func (e *PackageError) Error() string {
	switch {
	case e.Package != "" && e.Field != "":
		return fmt.Sprintf("[%s] %s: %s: %v", ErrPackageParse, e.Package, e.Field, e.Err)
	case e.Package != "":
		return fmt.Sprintf("[%s] %s: %v", ErrPackageParse, e.Package, e.Err)
	case e.Field != "":
		return fmt.Sprintf("[%s] %s: %v", ErrPackageParse, e.Field, e.Err)
	}
	return fmt.Sprintf("[%s] %v", ErrPackageParse, e.Err)
}

func (e *PackageError) Unwrap() error   { return e.Err }
func (e *PackageError) Type() ErrorType { return ErrPackageParse }

// ResolutionKind identifies why a request could not be resolved
type ResolutionKind int

const (
	Unsatisfied ResolutionKind = iota
	Cycle
	Conflict
	HasDependents
	NotInstalled
)

func (k ResolutionKind) String() string {
	switch k {
	case Unsatisfied:
		return "Unsatisfied"
	case Cycle:
		return "Cycle"
	case Conflict:
		return "Conflict"
	case HasDependents:
		return "HasDependents"
	case NotInstalled:
		return "NotInstalled"
	default:
		return "Unknown"
	}
}

// ConflictPair names two packages that cannot be installed together.
type ConflictPair struct {
	A string
	B string
	// Reason is the conflicts entry that matched.
	Reason string
}

func (c ConflictPair) String() string {
	return fmt.Sprintf("%s and %s are in conflict (%s)", c.A, c.B, c.Reason)
}

// ResolutionError is returned by the resolver. No transaction is created
// when it is returned.
type ResolutionError struct {
	Kind ResolutionKind
	// Name is the offending package name or, for Unsatisfied, the full
	// constraint string (e.g. "y>=2.0").
	Name string
	// RequiredBy is the package whose dependency could not be satisfied.
	RequiredBy string
	Dependents []string
	Cycle      []string
	Conflicts  []ConflictPair
}

func (e *ResolutionError) Error() string {
	var detail string
	switch e.Kind {
	case Unsatisfied:
		detail = fmt.Sprintf("unable to satisfy dependency %q", e.Name)
		if e.RequiredBy != "" {
			detail += fmt.Sprintf(" required by %s", e.RequiredBy)
		}
	case Cycle:
		detail = fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case Conflict:
		parts := make([]string, 0, len(e.Conflicts))
		for _, c := range e.Conflicts {
			parts = append(parts, c.String())
		}
		detail = "conflicting packages: " + strings.Join(parts, "; ")
	case HasDependents:
		detail = fmt.Sprintf("cannot remove %s: required by %s", e.Name, strings.Join(e.Dependents, ", "))
	case NotInstalled:
		detail = fmt.Sprintf("target not installed: %s", e.Name)
	default:
		detail = e.Name
	}
	return fmt.Sprintf("[%s] %s", ErrResolution, detail)
}

func (e *ResolutionError) Type() ErrorType { return ErrResolution }

// NewUnsatisfied builds an Unsatisfied resolution error for constraint.
func NewUnsatisfied(constraint, requiredBy string) *ResolutionError {
	return &ResolutionError{Kind: Unsatisfied, Name: constraint, RequiredBy: requiredBy}
}

// NewHasDependents builds a HasDependents resolution error. The dependents
// list is sorted.
func NewHasDependents(name string, dependents []string) *ResolutionError {
	sorted := append([]string(nil), dependents...)
	sort.Strings(sorted)
	return &ResolutionError{Kind: HasDependents, Name: name, Dependents: sorted}
}

// IntegrityKind distinguishes checksum and signature failures
type IntegrityKind int

const (
	IntegrityChecksum IntegrityKind = iota
	IntegritySignature
)

func (k IntegrityKind) String() string {
	if k == IntegritySignature {
		return "signature"
	}
	return "checksum"
}

// IntegrityError reports a checksum or signature mismatch. During a fetch it
// counts as a failure of the mirror that served the bytes.
type IntegrityError struct {
	Path     string
	Kind     IntegrityKind
	Expected string
	Actual   string
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Kind == IntegrityChecksum {
		return fmt.Sprintf("[%s] %s: checksum mismatch (expected %s, got %s)", ErrIntegrity, e.Path, e.Expected, e.Actual)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: invalid signature: %v", ErrIntegrity, e.Path, e.Err)
	}
	return fmt.Sprintf("[%s] %s: invalid signature", ErrIntegrity, e.Path)
}

func (e *IntegrityError) Unwrap() error   { return e.Err }
func (e *IntegrityError) Type() ErrorType { return ErrIntegrity }

// MirrorFailure is one failed attempt against one mirror
type MirrorFailure struct {
	Mirror string
	Pass   int
	Err    error
}

func (f MirrorFailure) String() string {
	return fmt.Sprintf("%s (pass %d): %v", f.Mirror, f.Pass+1, f.Err)
}

// DownloadError is returned once every mirror across every retry pass has
// failed for a file.
type DownloadError struct {
	Repo     string
	Path     string
	Failures []MirrorFailure
	// Err is set when the fetch stopped for a reason other than mirror
	// exhaustion, such as cancellation.
	Err error
}

func (e *DownloadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] failed retrieving %s", ErrDownload, e.Path)
	if e.Repo != "" {
		fmt.Fprintf(&b, " from %s", e.Repo)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Failures) > 0 {
		b.WriteString(":")
		for _, f := range e.Failures {
			b.WriteString("\n  ")
			b.WriteString(f.String())
		}
	}
	return b.String()
}

// Unwrap exposes every per-mirror failure so errors.As can find an
// IntegrityError among them.
func (e *DownloadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *DownloadError) Type() ErrorType { return ErrDownload }

// TransactionError reports a failed transaction. The previously published
// local database is untouched when it is returned.
type TransactionError struct {
	Phase string
	// Index is the position of the failing operation, or -1.
	Index     int
	Operation string
	Err       error
}

func (e *TransactionError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("[%s] %s phase, operation %d (%s): %v", ErrTransaction, e.Phase, e.Index, e.Operation, e.Err)
	}
	return fmt.Sprintf("[%s] %s phase: %v", ErrTransaction, e.Phase, e.Err)
}

func (e *TransactionError) Unwrap() error   { return e.Err }
func (e *TransactionError) Type() ErrorType { return ErrTransaction }

// TypeOf returns the category of err, walking wrapped errors.
func TypeOf(err error) (ErrorType, bool) {
	var typed interface{ Type() ErrorType }
	if errors.As(err, &typed) {
		return typed.Type(), true
	}
	return 0, false
}
