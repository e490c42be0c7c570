package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/utils"
	"gopkg.in/yaml.v3"
)

// Editor changes repositories and mirrors in a configuration file. The
// document is edited as a YAML tree, so comments and key order survive.
// Nothing is written until Save.
type Editor struct {
	path  string
	doc   *yaml.Node
	dirty bool
	// lists holds the new content of edited mirrorlist files
	lists map[string]string
}

// OpenEditor reads the configuration at path. A missing file starts an
// empty document.
func OpenEditor(path string) (*Editor, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &models.ConfigError{Err: fmt.Errorf("reading config: %w", err)}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &models.ConfigError{Err: fmt.Errorf("parsing config: %w", err)}
	}
	if doc.Kind == 0 || (doc.Kind == yaml.DocumentNode && len(doc.Content) == 0) {
		doc.Kind = yaml.DocumentNode
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	if doc.Kind != yaml.DocumentNode || doc.Content[0].Kind != yaml.MappingNode {
		return nil, &models.ConfigError{Err: fmt.Errorf("%s: top level is not a mapping", path)}
	}

	return &Editor{path: path, doc: &doc, lists: make(map[string]string)}, nil
}

// AddRepository appends rc to the repository list
func (e *Editor) AddRepository(rc RepositoryConfig) error {
	if err := models.ValidateName(rc.Name); err != nil {
		return &models.ConfigError{Field: "name", Err: err}
	}
	if _, node := e.repository(rc.Name); node != nil {
		return &models.ConfigError{Field: "name", Err: fmt.Errorf("repository %q already exists", rc.Name)}
	}

	var node yaml.Node
	if err := node.Encode(rc); err != nil {
		return err
	}
	seq := e.repositories(true)
	seq.Content = append(seq.Content, &node)
	e.dirty = true
	return nil
}

// RemoveRepository drops the named repository. Its mirrorlist file is left
// alone.
func (e *Editor) RemoveRepository(name string) error {
	i, node := e.repository(name)
	if node == nil {
		return notConfigured(name)
	}
	seq := e.repositories(false)
	seq.Content = append(seq.Content[:i], seq.Content[i+1:]...)
	e.dirty = true
	return nil
}

// AddMirror adds rawURL to a repository. A repository with a mirrorlist
// file gets a Server line appended to it; others get rawURL appended to
// their mirrors list.
func (e *Editor) AddMirror(repo, rawURL string) error {
	rc, node, err := e.repositoryConfig(repo)
	if err != nil {
		return err
	}
	if _, err := models.NewMirror(ExpandMirror(rawURL, repo, string(models.ArchAny))); err != nil {
		return &models.ConfigError{Field: "mirror", Err: err}
	}

	if rc.Mirrorlist != "" {
		path := rc.mirrorlistPath(filepath.Dir(e.path))
		content, err := e.mirrorlist(path)
		if err != nil {
			return err
		}
		urls, err := ParseMirrorlist(strings.NewReader(content))
		if err != nil {
			return &models.ConfigError{Field: "mirrorlist", Err: err}
		}
		if contains(urls, rawURL) {
			return duplicateMirror(repo, rawURL)
		}
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		e.lists[path] = content + "Server = " + rawURL + "\n"
		return nil
	}

	mirrors := mappingValue(node, "mirrors")
	if mirrors == nil || mirrors.Kind != yaml.SequenceNode {
		mirrors = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		setMappingValue(node, "mirrors", mirrors)
	}
	if contains(rc.Mirrors, rawURL) {
		return duplicateMirror(repo, rawURL)
	}
	mirrors.Content = append(mirrors.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: rawURL})
	e.dirty = true
	return nil
}

// RemoveMirror removes rawURL from a repository's mirrors list, or from its
// mirrorlist file when the list does not carry it
func (e *Editor) RemoveMirror(repo, rawURL string) error {
	rc, node, err := e.repositoryConfig(repo)
	if err != nil {
		return err
	}

	if mirrors := mappingValue(node, "mirrors"); mirrors != nil && mirrors.Kind == yaml.SequenceNode {
		for i, m := range mirrors.Content {
			if m.Value == rawURL {
				mirrors.Content = append(mirrors.Content[:i], mirrors.Content[i+1:]...)
				e.dirty = true
				return nil
			}
		}
	}

	if rc.Mirrorlist != "" {
		path := rc.mirrorlistPath(filepath.Dir(e.path))
		content, err := e.mirrorlist(path)
		if err != nil {
			return err
		}
		var kept []string
		removed := false
		for _, line := range strings.SplitAfter(content, "\n") {
			if url, err := parseMirrorlistLine(line); err == nil && url == rawURL {
				removed = true
				continue
			}
			kept = append(kept, line)
		}
		if removed {
			e.lists[path] = strings.Join(kept, "")
			return nil
		}
	}
	return &models.ConfigError{Field: "mirror", Err: fmt.Errorf("%s has no mirror %s", repo, rawURL)}
}

// Save validates the edited configuration and writes it together with any
// edited mirrorlist file
func (e *Editor) Save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(e.doc); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if _, err := parseWith(buf.Bytes(), filepath.Dir(e.path), e.lists); err != nil {
		return err
	}

	paths := make([]string, 0, len(e.lists))
	for path := range e.lists {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := utils.WriteFileAtomic(path, []byte(e.lists[path]), 0644); err != nil {
			return fmt.Errorf("writing mirrorlist: %w", err)
		}
	}
	if e.dirty {
		if err := utils.WriteFileAtomic(e.path, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
	}
	return nil
}

// repositories returns the repositories sequence, creating it when create
// is set
func (e *Editor) repositories(create bool) *yaml.Node {
	root := e.doc.Content[0]
	seq := mappingValue(root, "repositories")
	if seq != nil && seq.Kind == yaml.SequenceNode {
		return seq
	}
	if !create {
		return nil
	}
	seq = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	setMappingValue(root, "repositories", seq)
	return seq
}

func (e *Editor) repository(name string) (int, *yaml.Node) {
	seq := e.repositories(false)
	if seq == nil {
		return -1, nil
	}
	for i, node := range seq.Content {
		if n := mappingValue(node, "name"); n != nil && n.Value == name {
			return i, node
		}
	}
	return -1, nil
}

func (e *Editor) repositoryConfig(name string) (RepositoryConfig, *yaml.Node, error) {
	_, node := e.repository(name)
	if node == nil {
		return RepositoryConfig{}, nil, notConfigured(name)
	}
	var rc RepositoryConfig
	if err := node.Decode(&rc); err != nil {
		return RepositoryConfig{}, nil, &models.ConfigError{Field: name, Err: err}
	}
	return rc, node, nil
}

// mirrorlist returns the pending or on-disk content of a mirrorlist file
func (e *Editor) mirrorlist(path string) (string, error) {
	if content, ok := e.lists[path]; ok {
		return content, nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", &models.ConfigError{Field: "mirrorlist", Err: err}
	}
	return string(data), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func notConfigured(name string) error {
	return &models.ConfigError{Field: "name", Err: fmt.Errorf("no repository %q is configured", name)}
}

func duplicateMirror(repo, rawURL string) error {
	return &models.ConfigError{Field: "mirror", Err: fmt.Errorf("%s already has mirror %s", repo, rawURL)}
}
