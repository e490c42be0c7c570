// Package index builds per-repository package catalogs and merges them by
// repository priority.
package index

import (
	"sort"
	"strings"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/version"
	"github.com/sirupsen/logrus"
)

// Provider is a package supplying a capability, tagged with the priority of
// the repository it came from
type Provider struct {
	Package  *models.Package
	Priority int
}

// RepositoryIndex is the catalog of a single repository
type RepositoryIndex struct {
	repo         models.Repository
	packages     map[string]*models.Package
	capabilities map[string][]*models.Package
}

// Build indexes packages of repo installable on arch. Packages built for
// another architecture are skipped; when a name appears twice the newer
// version is kept.
func Build(repo models.Repository, packages []*models.Package, arch models.Architecture) *RepositoryIndex {
	idx := &RepositoryIndex{
		repo:         repo,
		packages:     make(map[string]*models.Package, len(packages)),
		capabilities: make(map[string][]*models.Package),
	}

	skipped := 0
	for _, pkg := range packages {
		if !pkg.Architecture.Compatible(arch) {
			skipped++
			continue
		}
		if prev, ok := idx.packages[pkg.Name]; ok {
			logrus.Warnf("Repository %s lists %s twice (%s and %s)", repo.Name, pkg.Name, prev.Version, pkg.Version)
			if version.Compare(prev.Version, pkg.Version) >= 0 {
				continue
			}
		}
		idx.packages[pkg.Name] = pkg
	}
	if skipped > 0 {
		logrus.Debugf("Repository %s: skipped %d packages not built for %s", repo.Name, skipped, arch)
	}

	for _, pkg := range idx.packages {
		for _, capability := range pkg.Capabilities() {
			idx.capabilities[capability] = append(idx.capabilities[capability], pkg)
		}
	}
	for _, providers := range idx.capabilities {
		sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	}

	return idx
}

// Repository returns the repository this index was built from
func (idx *RepositoryIndex) Repository() models.Repository {
	return idx.repo
}

// Get returns the package called name
func (idx *RepositoryIndex) Get(name string) (*models.Package, bool) {
	pkg, ok := idx.packages[name]
	return pkg, ok
}

// Providers returns the packages declaring capability in provides, by name
func (idx *RepositoryIndex) Providers(capability string) []*models.Package {
	return idx.capabilities[capability]
}

// Packages returns every package, sorted by name
func (idx *RepositoryIndex) Packages() []*models.Package {
	return sortedPackages(idx.packages)
}

// Len returns the number of packages
func (idx *RepositoryIndex) Len() int {
	return len(idx.packages)
}

// MergedIndex is the view over all repositories the resolver works with
type MergedIndex struct {
	repos     []models.Repository
	indices   []*RepositoryIndex
	packages  map[string]*models.Package
	providers map[string][]Provider
}

// Merge combines indices. The first repository by priority (lowest value,
// then input order) that defines a name wins it; every provider of a
// capability is kept along with its repository priority.
func Merge(indices []*RepositoryIndex) *MergedIndex {
	ordered := append([]*RepositoryIndex(nil), indices...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].repo.Priority < ordered[j].repo.Priority
	})

	m := &MergedIndex{
		indices:   ordered,
		packages:  make(map[string]*models.Package),
		providers: make(map[string][]Provider),
	}
	for _, idx := range ordered {
		m.repos = append(m.repos, idx.repo)
		for name, pkg := range idx.packages {
			if _, taken := m.packages[name]; !taken {
				m.packages[name] = pkg
			}
		}
		for capability, pkgs := range idx.capabilities {
			for _, pkg := range pkgs {
				m.providers[capability] = append(m.providers[capability], Provider{Package: pkg, Priority: idx.repo.Priority})
			}
		}
	}

	for _, providers := range m.providers {
		sort.SliceStable(providers, func(i, j int) bool {
			if providers[i].Priority != providers[j].Priority {
				return providers[i].Priority < providers[j].Priority
			}
			return providers[i].Package.Name < providers[j].Package.Name
		})
	}
	return m
}

// Repositories returns the merged repositories in priority order
func (m *MergedIndex) Repositories() []models.Repository {
	return m.repos
}

// Find returns the winning package for name
func (m *MergedIndex) Find(name string) (*models.Package, bool) {
	pkg, ok := m.packages[name]
	return pkg, ok
}

// Providers returns every package providing capability, ordered by
// repository priority then package name
func (m *MergedIndex) Providers(capability string) []Provider {
	return m.providers[capability]
}

// Packages returns the winning package of every name, sorted by name
func (m *MergedIndex) Packages() []*models.Package {
	return sortedPackages(m.packages)
}

// Search returns packages from every repository whose name or description
// contains query (case-insensitive), in repository priority order
func (m *MergedIndex) Search(query string) []*models.Package {
	query = strings.ToLower(query)
	var results []*models.Package
	for _, idx := range m.indices {
		for _, pkg := range idx.Packages() {
			if strings.Contains(strings.ToLower(pkg.Name), query) ||
				strings.Contains(strings.ToLower(pkg.Description), query) {
				results = append(results, pkg)
			}
		}
	}
	return results
}

func sortedPackages(packages map[string]*models.Package) []*models.Package {
	list := make([]*models.Package, 0, len(packages))
	for _, pkg := range packages {
		list = append(list, pkg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
