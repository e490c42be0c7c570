// Package config loads the syzygia configuration file.
//
// The file is taken from the --config flag, else the SYZYGIA_CONFIG
// environment variable, else /etc/syzygia/syzygia.yaml. Only the default
// path may be missing, in which case built-in defaults apply.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ralt/syzygia/internal/mirror"
	"github.com/ralt/syzygia/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the environment variable holding the config path
	EnvConfig = "SYZYGIA_CONFIG"
	// DefaultPath is used when neither the flag nor EnvConfig is set
	DefaultPath = "/etc/syzygia/syzygia.yaml"
)

// Config is the syzygia configuration
type Config struct {
	// Architecture packages are installed for; "any" packages always match.
	Architecture string `yaml:"architecture"`

	// RootDir is where payloads are extracted.
	RootDir string `yaml:"root_dir"`

	// DBPath holds the local database and the sync database cache.
	DBPath string `yaml:"db_path"`

	// CacheDir holds downloaded package archives.
	CacheDir string `yaml:"cache_dir"`

	// Keyring is an OpenPGP public keyring used to verify signatures. A
	// missing file means no keyring.
	Keyring string `yaml:"keyring"`

	Download DownloadConfig `yaml:"download"`

	Repositories []RepositoryConfig `yaml:"repositories"`

	// source is the file the config was read from, empty for defaults
	source  string
	repos   []models.Repository
	sources []MirrorlistSource
}

// DownloadConfig tunes the mirror fetcher
type DownloadConfig struct {
	// MaxRetries is the number of passes over the mirror list.
	MaxRetries int `yaml:"max_retries"`
	// Backoff is the wait before the second pass, doubled for each later one.
	Backoff time.Duration `yaml:"backoff"`
	// Timeout bounds a single attempt against one mirror.
	Timeout time.Duration `yaml:"timeout"`
	// Parallel is the number of concurrent downloads and refreshes.
	Parallel int `yaml:"parallel"`
}

// RepositoryConfig declares one repository
type RepositoryConfig struct {
	Name string `yaml:"name"`
	// Priority defaults to the position in the list.
	Priority *int   `yaml:"priority,omitempty"`
	SigLevel string `yaml:"sig_level,omitempty"`
	// Mirrors may use $repo and $arch placeholders.
	Mirrors []string `yaml:"mirrors,omitempty"`
	// Mirrorlist is a file of "Server = url" lines appended to Mirrors.
	// Relative paths are resolved against the config file directory.
	Mirrorlist string `yaml:"mirrorlist,omitempty"`
	// Servers is the URL of a published mirrorlist that "mirror update"
	// downloads into Mirrorlist.
	Servers string `yaml:"servers,omitempty"`
}

// MirrorlistSource is a mirrorlist file kept up to date from a URL
type MirrorlistSource struct {
	Repo string
	URL  string
	// Path is absolute.
	Path string
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Architecture: "x86_64",
		RootDir:      "/",
		DBPath:       "/var/lib/syzygia",
		CacheDir:     "/var/cache/syzygia/pkg",
		Keyring:      "/etc/syzygia/pubring.gpg",
		Download: DownloadConfig{
			MaxRetries: 3,
			Backoff:    time.Second,
			Timeout:    10 * time.Second,
			Parallel:   4,
		},
	}
}

// Load finds and reads the configuration. flagPath is the value of
// --config and may be empty.
func Load(flagPath string) (*Config, error) {
	return load(flagPath, os.Getenv(EnvConfig), DefaultPath)
}

// Path returns the file Load would read for flagPath, whether or not it
// exists
func Path(flagPath string) string {
	return pick(flagPath, os.Getenv(EnvConfig), DefaultPath)
}

func pick(flagPath, envPath, defaultPath string) string {
	switch {
	case flagPath != "":
		return flagPath
	case envPath != "":
		return envPath
	}
	return defaultPath
}

func load(flagPath, envPath, defaultPath string) (*Config, error) {
	if path := pick(flagPath, envPath, ""); path != "" {
		return LoadFile(path)
	}

	if _, err := os.Stat(defaultPath); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := cfg.finish("", nil); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFile(defaultPath)
}

// LoadFile reads the configuration at path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigError{Err: fmt.Errorf("reading config: %w", err)}
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.source = path
	return cfg, nil
}

// Parse reads a configuration document on top of the defaults. Relative
// mirrorlist paths are resolved against the working directory.
func Parse(data []byte) (*Config, error) {
	return parse(data, ".")
}

func parse(data []byte, baseDir string) (*Config, error) {
	return parseWith(data, baseDir, nil)
}

// parseWith reads mirrorlist files from pending when present there
func parseWith(data []byte, baseDir string, pending map[string]string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &models.ConfigError{Err: fmt.Errorf("parsing config: %w", err)}
	}

	if err := cfg.finish(baseDir, pending); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Source returns the file the configuration came from, or "" for the
// built-in defaults
func (c *Config) Source() string {
	return c.source
}

// Arch returns the configured architecture
func (c *Config) Arch() models.Architecture {
	return models.Architecture(c.Architecture)
}

// Repos returns the validated repositories with expanded mirror lists
func (c *Config) Repos() []models.Repository {
	return c.repos
}

// MirrorlistSources lists the mirrorlist files that have a servers URL
func (c *Config) MirrorlistSources() []MirrorlistSource {
	return c.sources
}

// SyncDir holds cached repository databases
func (c *Config) SyncDir() string {
	return filepath.Join(c.DBPath, "sync")
}

// RetryPolicy returns the fetcher retry settings
func (c *Config) RetryPolicy() mirror.RetryPolicy {
	return mirror.RetryPolicy{
		MaxRetries: c.Download.MaxRetries,
		Backoff:    c.Download.Backoff,
		Timeout:    c.Download.Timeout,
	}
}

// finish validates c and builds its repositories
func (c *Config) finish(baseDir string, pending map[string]string) error {
	arch := c.Arch()
	if arch == models.ArchAny || !arch.Valid() {
		return &models.ConfigError{Field: "architecture", Err: fmt.Errorf("unsupported architecture %q", c.Architecture)}
	}
	for field, value := range map[string]string{"root_dir": c.RootDir, "db_path": c.DBPath, "cache_dir": c.CacheDir} {
		if value == "" {
			return &models.ConfigError{Field: field, Err: fmt.Errorf("cannot be empty")}
		}
	}
	if c.Download.MaxRetries <= 0 {
		return &models.ConfigError{Field: "download.max_retries", Err: fmt.Errorf("must be positive, got %d", c.Download.MaxRetries)}
	}
	if c.Download.Timeout <= 0 {
		return &models.ConfigError{Field: "download.timeout", Err: fmt.Errorf("must be positive, got %s", c.Download.Timeout)}
	}
	if c.Download.Backoff < 0 {
		return &models.ConfigError{Field: "download.backoff", Err: fmt.Errorf("cannot be negative")}
	}
	if c.Download.Parallel <= 0 {
		return &models.ConfigError{Field: "download.parallel", Err: fmt.Errorf("must be positive, got %d", c.Download.Parallel)}
	}

	seen := make(map[string]bool)
	c.sources = nil
	c.repos = make([]models.Repository, 0, len(c.Repositories))
	for i, rc := range c.Repositories {
		field := fmt.Sprintf("repositories[%d]", i)
		repo, err := rc.build(i, c.Architecture, baseDir, pending)
		if err != nil {
			return &models.ConfigError{Field: field, Err: err}
		}
		if seen[repo.Name] {
			return &models.ConfigError{Field: field, Err: fmt.Errorf("duplicate repository %q", repo.Name)}
		}
		seen[repo.Name] = true
		c.repos = append(c.repos, repo)
		if rc.Servers != "" {
			c.sources = append(c.sources, MirrorlistSource{Repo: rc.Name, URL: rc.Servers, Path: rc.mirrorlistPath(baseDir)})
		}
	}
	return nil
}

func (rc RepositoryConfig) mirrorlistPath(baseDir string) string {
	if rc.Mirrorlist == "" || filepath.IsAbs(rc.Mirrorlist) {
		return rc.Mirrorlist
	}
	path, err := filepath.Abs(filepath.Join(baseDir, rc.Mirrorlist))
	if err != nil {
		return filepath.Join(baseDir, rc.Mirrorlist)
	}
	return path
}

func (rc RepositoryConfig) build(position int, arch, baseDir string, pending map[string]string) (models.Repository, error) {
	if err := models.ValidateName(rc.Name); err != nil {
		return models.Repository{}, fmt.Errorf("invalid repository name: %w", err)
	}
	level, err := models.ParseSignatureLevel(rc.SigLevel)
	if err != nil {
		return models.Repository{}, fmt.Errorf("%s: %w", rc.Name, err)
	}
	priority := position
	if rc.Priority != nil {
		priority = *rc.Priority
	}

	if rc.Servers != "" {
		if rc.Mirrorlist == "" {
			return models.Repository{}, fmt.Errorf("%s: servers needs a mirrorlist file to write to", rc.Name)
		}
		if _, err := models.NewMirror(rc.Servers); err != nil {
			return models.Repository{}, fmt.Errorf("%s: servers: %w", rc.Name, err)
		}
	}

	urls := append([]string(nil), rc.Mirrors...)
	if rc.Mirrorlist != "" {
		listed, err := readMirrorlist(rc.mirrorlistPath(baseDir), pending)
		switch {
		case rc.Servers != "" && errors.Is(err, os.ErrNotExist):
			// written by the first mirror update
		case err != nil:
			return models.Repository{}, fmt.Errorf("%s: %w", rc.Name, err)
		}
		urls = append(urls, listed...)
	}
	if len(urls) == 0 && rc.Servers == "" {
		return models.Repository{}, fmt.Errorf("%s: no mirrors configured", rc.Name)
	}

	repo := models.Repository{Name: rc.Name, Priority: priority, SigLevel: level}
	seen := make(map[string]bool)
	for _, raw := range urls {
		m, err := models.NewMirror(ExpandMirror(raw, rc.Name, arch))
		if err != nil {
			return models.Repository{}, fmt.Errorf("%s: %w", rc.Name, err)
		}
		if seen[m.URL] {
			continue
		}
		seen[m.URL] = true
		repo.Mirrors = append(repo.Mirrors, m)
	}
	return repo, nil
}

// ExpandMirror substitutes $repo and $arch in a mirror URL
func ExpandMirror(raw, repo, arch string) string {
	return strings.NewReplacer("$repo", repo, "$arch", arch).Replace(raw)
}

// ReadMirrorlist reads a mirrorlist file
func ReadMirrorlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading mirrorlist: %w", err)
	}
	defer f.Close()
	return ParseMirrorlist(f)
}

func readMirrorlist(path string, pending map[string]string) ([]string, error) {
	if content, ok := pending[path]; ok {
		return ParseMirrorlist(strings.NewReader(content))
	}
	return ReadMirrorlist(path)
}

// ParseMirrorlist parses "Server = url" lines or bare URLs. Blank lines and
// # comments are skipped.
func ParseMirrorlist(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		url, err := parseMirrorlistLine(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("mirrorlist line %d: %w", lineNo, err)
		}
		if url != "" {
			urls = append(urls, url)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

// parseMirrorlistLine returns "" for blank and comment lines
func parseMirrorlistLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, "#"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "", nil
	}
	if key, value, ok := strings.Cut(line, "="); ok && !strings.Contains(key, "/") {
		if strings.TrimSpace(key) != "Server" {
			return "", fmt.Errorf("unknown key %q", strings.TrimSpace(key))
		}
		line = strings.TrimSpace(value)
	}
	return line, nil
}
