package models

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SignatureLevel is a repository's policy for signature enforcement
type SignatureLevel int

const (
	SigNone SignatureLevel = iota
	SigOptional
	SigRequired
)

// ParseSignatureLevel parses None, Optional or Required (case-insensitive)
func ParseSignatureLevel(s string) (SignatureLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "never":
		return SigNone, nil
	case "optional", "":
		return SigOptional, nil
	case "required":
		return SigRequired, nil
	}
	return SigNone, fmt.Errorf("unknown signature level %q", s)
}

// String returns the string representation of SignatureLevel
func (l SignatureLevel) String() string {
	switch l {
	case SigNone:
		return "None"
	case SigOptional:
		return "Optional"
	case SigRequired:
		return "Required"
	default:
		return "Unknown"
	}
}

// MirrorScheme tells local-file mirrors apart from remote ones
type MirrorScheme int

const (
	SchemeRemote MirrorScheme = iota
	SchemeLocal
)

func (s MirrorScheme) String() string {
	if s == SchemeLocal {
		return "local"
	}
	return "remote"
}

// Mirror is one location serving a repository. Health statistics are kept
// by the mirror selector, not here.
type Mirror struct {
	URL    string
	Scheme MirrorScheme
}

// NewMirror classifies rawURL. Absolute paths and file:// URLs are local,
// http(s):// URLs are remote.
func NewMirror(rawURL string) (Mirror, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Mirror{}, fmt.Errorf("mirror url cannot be empty")
	}
	if filepath.IsAbs(rawURL) {
		return Mirror{URL: "file://" + rawURL, Scheme: SchemeLocal}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Mirror{}, fmt.Errorf("invalid mirror url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return Mirror{}, fmt.Errorf("mirror url %q has no path", rawURL)
		}
		return Mirror{URL: rawURL, Scheme: SchemeLocal}, nil
	case "http", "https":
		if u.Host == "" {
			return Mirror{}, fmt.Errorf("mirror url %q has no host", rawURL)
		}
		return Mirror{URL: rawURL, Scheme: SchemeRemote}, nil
	}
	return Mirror{}, fmt.Errorf("unsupported mirror scheme %q in %q", u.Scheme, rawURL)
}

// Resolve joins the mirror base with a repository-relative path
func (m Mirror) Resolve(relativePath string) string {
	return strings.TrimSuffix(m.URL, "/") + "/" + strings.TrimPrefix(relativePath, "/")
}

// Repository is a named source of packages
type Repository struct {
	Name string
	// Priority orders repositories; lower wins.
	Priority int
	SigLevel SignatureLevel
	Mirrors  []Mirror
}

// DatabaseFile is the repository database artifact path relative to a mirror
func (r Repository) DatabaseFile() string {
	return r.Name + ".db"
}

// SignatureFile is the detached signature path for a relative path
func SignatureFile(relativePath string) string {
	return relativePath + ".sig"
}
