// Package version implements the total order over package version strings
// of the form [epoch:]pkgver[-pkgrel], where pkgver and pkgrel may carry a
// trailing ~suffix pre-release marker.
package version

import (
	"fmt"
	"strings"
)

// Op is a relational operator in a dependency constraint
type Op string

const (
	OpAny Op = ""
	OpEQ  Op = "="
	OpLT  Op = "<"
	OpLE  Op = "<="
	OpGT  Op = ">"
	OpGE  Op = ">="
)

// Operators in the order they must be matched when parsing (longest first).
var Operators = []Op{OpLE, OpGE, OpEQ, OpLT, OpGT}

// Validate rejects version strings the comparator is not defined on.
func Validate(v string) error {
	if v == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if !isDigit(v[0]) {
		return fmt.Errorf("version %q must start with a digit", v)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if isAlnum(c) {
			continue
		}
		switch c {
		case '.', '_', '+', ':', '~', '-':
		default:
			return fmt.Errorf("version %q contains invalid character %q", v, c)
		}
	}

	if idx := strings.IndexByte(v, ':'); idx >= 0 {
		if !allDigits(v[:idx]) || strings.Count(v, ":") > 1 {
			return fmt.Errorf("version %q has a malformed epoch", v)
		}
	}
	_, ver, rel, hasRel := split(v)
	if ver == "" || !isDigit(ver[0]) {
		return fmt.Errorf("version %q has an empty or non-numeric pkgver", v)
	}
	if hasRel && rel == "" {
		return fmt.Errorf("version %q has an empty pkgrel", v)
	}
	return nil
}

// Compare returns -1 if a is older than b, 0 if they are equivalent and 1
// if a is newer. Both arguments are assumed to have passed Validate.
func Compare(a, b string) int {
	if a == b {
		return 0
	}

	epochA, verA, relA, _ := split(a)
	epochB, verB, relB, _ := split(b)

	if c := compareSegments(epochA, epochB); c != 0 {
		return c
	}
	if c := compareWithSuffix(verA, verB); c != 0 {
		return c
	}
	return compareWithSuffix(relA, relB)
}

// Satisfies reports whether version have meets the constraint op want.
// When want carries no pkgrel, the pkgrel of have is ignored, so "foo=1.0"
// is met by 1.0-3.
func Satisfies(have string, op Op, want string) bool {
	if op == OpAny {
		return true
	}
	if _, _, _, hasRel := split(want); !hasRel {
		have = stripRelease(have)
	}

	c := Compare(have, want)
	switch op {
	case OpEQ:
		return c == 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	}
	return false
}

// split breaks v into epoch, pkgver and pkgrel. A missing epoch is "0".
func split(v string) (epoch, ver, rel string, hasRel bool) {
	epoch = "0"
	if idx := strings.IndexByte(v, ':'); idx >= 0 && allDigits(v[:idx]) {
		epoch = v[:idx]
		if epoch == "" {
			epoch = "0"
		}
		v = v[idx+1:]
	}
	if idx := strings.LastIndexByte(v, '-'); idx >= 0 {
		return epoch, v[:idx], v[idx+1:], true
	}
	return epoch, v, "", false
}

func stripRelease(v string) string {
	epoch, ver, _, hasRel := split(v)
	if !hasRel {
		return v
	}
	if strings.IndexByte(v, ':') >= 0 {
		return epoch + ":" + ver
	}
	return ver
}

// compareWithSuffix orders a~x strictly before a.
func compareWithSuffix(a, b string) int {
	baseA, sufA, hasA := strings.Cut(a, "~")
	baseB, sufB, hasB := strings.Cut(b, "~")

	if c := compareSegments(baseA, baseB); c != 0 {
		return c
	}
	switch {
	case hasA && !hasB:
		return -1
	case !hasA && hasB:
		return 1
	case hasA && hasB:
		return compareSegments(sufA, sufB)
	}
	return 0
}

// compareSegments walks alternating numeric and alphabetic runs. Numeric
// runs compare as integers of arbitrary length, alphabetic runs compare
// lexicographically, a numeric run beats an alphabetic one, and when one
// side runs out a remaining numeric run wins while a remaining alphabetic
// run loses.
func compareSegments(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for {
		for i < len(a) && !isAlnum(a[i]) {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) {
			j++
		}
		if i >= len(a) || j >= len(b) {
			break
		}

		numeric := isDigit(a[i])
		startA, startB := i, j
		if numeric {
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
		} else {
			for i < len(a) && isAlpha(a[i]) {
				i++
			}
			for j < len(b) && isAlpha(b[j]) {
				j++
			}
		}
		segA, segB := a[startA:i], b[startB:j]

		// b's run is of the other class
		if segB == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(segA, segB); c != 0 {
			return c
		}
	}

	restA, restB := i < len(a), j < len(b)
	switch {
	case !restA && !restB:
		return 0
	case restA:
		if isAlpha(a[i]) {
			return -1
		}
		return 1
	default:
		if isAlpha(b[j]) {
			return 1
		}
		return -1
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }
