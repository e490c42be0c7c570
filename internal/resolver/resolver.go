// Package resolver turns install, remove and upgrade requests into ordered,
// conflict-checked transactions.
package resolver

import (
	"fmt"
	"sort"

	"github.com/ralt/syzygia/internal/index"
	"github.com/ralt/syzygia/internal/localdb"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/transaction"
	"github.com/ralt/syzygia/internal/version"
	"github.com/sirupsen/logrus"
)

// RequestKind is what the caller asks for
type RequestKind int

const (
	Install RequestKind = iota
	Remove
	Upgrade
)

// String returns the string representation of RequestKind
func (k RequestKind) String() string {
	switch k {
	case Install:
		return "install"
	case Remove:
		return "remove"
	case Upgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Request is a resolution request. An Upgrade with no names upgrades every
// installed package.
type Request struct {
	Kind        RequestKind
	Names       []string
	AllowNoDeps bool
}

// Index is the package catalog the resolver draws candidates from
type Index interface {
	Find(name string) (*models.Package, bool)
	Providers(capability string) []index.Provider
	Packages() []*models.Package
}

// Resolve computes the transaction for req. The result depends only on its
// inputs; on error no transaction is returned.
func Resolve(req Request, local *localdb.LocalDatabase, idx Index) (*transaction.Transaction, error) {
	r := newResolution(local, idx)
	names := uniqueSorted(req.Names)

	logrus.Debugf("Resolving %s of %v", req.Kind, names)

	switch req.Kind {
	case Install:
		return r.install(names, req.AllowNoDeps)
	case Remove:
		return r.remove(names, req.AllowNoDeps)
	case Upgrade:
		return r.upgrade(names, req.AllowNoDeps)
	}
	return nil, fmt.Errorf("unknown request kind %d", req.Kind)
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	resolved
)

// node is a package of the install closure and the closure packages it
// depends on
type node struct {
	pkg  *models.Package
	deps map[string]bool
}

type resolution struct {
	local *localdb.LocalDatabase
	idx   Index

	// planned are requested packages not necessarily visited yet
	planned  map[string]*models.Package
	removing map[string]bool

	nodes map[string]*node
	state map[string]visitState
	stack []string
}

func newResolution(local *localdb.LocalDatabase, idx Index) *resolution {
	return &resolution{
		local:    local,
		idx:      idx,
		planned:  make(map[string]*models.Package),
		removing: make(map[string]bool),
		nodes:    make(map[string]*node),
		state:    make(map[string]visitState),
	}
}

func (r *resolution) install(names []string, allowNoDeps bool) (*transaction.Transaction, error) {
	var targets []*models.Package
	for _, name := range names {
		pkg, err := r.lookupTarget(name)
		if err != nil {
			return nil, err
		}
		if inst, ok := r.local.Get(pkg.Name); ok {
			switch c := version.Compare(inst.Version, pkg.Version); {
			case c == 0:
				logrus.Infof("%s is up to date -- skipping", inst.Identity())
				continue
			case c > 0:
				logrus.Warnf("%s: local (%s) is newer than %s (%s) -- skipping", pkg.Name, inst.Version, pkg.OriginRepo, pkg.Version)
				continue
			}
		}
		if _, dup := r.planned[pkg.Name]; dup {
			continue
		}
		r.planned[pkg.Name] = pkg
		targets = append(targets, pkg)
	}
	return r.finish(targets, nil, allowNoDeps)
}

func (r *resolution) upgrade(names []string, allowNoDeps bool) (*transaction.Transaction, error) {
	full := len(names) == 0
	if full {
		for _, pkg := range r.local.List() {
			names = append(names, pkg.Name)
		}
	} else if err := r.requireInstalled(names); err != nil {
		return nil, err
	}

	var targets []*models.Package
	var removals []*models.Package

	if full {
		for _, pkg := range r.idx.Packages() {
			if r.local.Has(pkg.Name) {
				continue
			}
			for _, rep := range pkg.Replaces {
				inst, ok := r.local.Get(rep.Name)
				if !ok || r.removing[inst.Name] || !inst.Satisfies(rep) {
					continue
				}
				logrus.Infof("Replacing %s with %s/%s", inst.Name, pkg.OriginRepo, pkg.Name)
				r.removing[inst.Name] = true
				removals = append(removals, inst)
				if _, dup := r.planned[pkg.Name]; !dup {
					r.planned[pkg.Name] = pkg
					targets = append(targets, pkg)
				}
			}
		}
	}

	for _, name := range names {
		if r.removing[name] {
			continue
		}
		inst, _ := r.local.Get(name)
		cand, ok := r.idx.Find(name)
		if !ok {
			logrus.Debugf("%s was not found in any repository", name)
			continue
		}
		switch c := version.Compare(cand.Version, inst.Version); {
		case c > 0:
			r.planned[name] = cand
			targets = append(targets, cand)
		case c < 0:
			logrus.Warnf("%s: local (%s) is newer than %s (%s)", name, inst.Version, cand.OriginRepo, cand.Version)
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return r.finish(targets, removals, allowNoDeps)
}

func (r *resolution) remove(names []string, allowNoDeps bool) (*transaction.Transaction, error) {
	if err := r.requireInstalled(names); err != nil {
		return nil, err
	}

	targets := make([]*models.Package, 0, len(names))
	for _, name := range names {
		pkg, _ := r.local.Get(name)
		r.removing[name] = true
		targets = append(targets, pkg)
	}

	if !allowNoDeps {
		after := r.local.Clone()
		for name := range r.removing {
			after.Remove(name)
		}
		for _, target := range targets {
			if dependents := r.dependents(target, after); len(dependents) > 0 {
				return nil, models.NewHasDependents(target.Name, dependents)
			}
		}
	}

	return transaction.New(r.removalOrder(targets), nil)
}

// finish walks the closure of targets, checks conflicts and orders the
// operations: removals first, then installs and upgrades
func (r *resolution) finish(targets, removals []*models.Package, allowNoDeps bool) (*transaction.Transaction, error) {
	for _, pkg := range targets {
		if err := r.visit(pkg); err != nil {
			return nil, err
		}
	}

	conflicts := r.conflicts()
	if len(conflicts) > 0 {
		if !allowNoDeps {
			return nil, &models.ResolutionError{Kind: models.Conflict, Conflicts: conflicts}
		}
		for _, c := range conflicts {
			logrus.Warnf("Ignoring conflict: %s", c)
		}
	}

	if !allowNoDeps {
		if err := r.checkInstalled(); err != nil {
			return nil, err
		}
	}

	ops := r.removalOrder(removals)
	ops = append(ops, r.installOrder()...)
	return transaction.New(ops, conflicts)
}

// lookupTarget finds the package for a requested name, falling back to the
// best provider when no package has that name
func (r *resolution) lookupTarget(name string) (*models.Package, error) {
	if pkg, ok := r.idx.Find(name); ok {
		return pkg, nil
	}
	if providers := r.idx.Providers(name); len(providers) > 0 {
		pkg := providers[0].Package
		logrus.Infof("Using %s to provide %s", pkg.Name, name)
		return pkg, nil
	}
	return nil, models.NewUnsatisfied(name, "")
}

func (r *resolution) requireInstalled(names []string) error {
	for _, name := range names {
		if !r.local.Has(name) {
			return &models.ResolutionError{Kind: models.NotInstalled, Name: name}
		}
	}
	return nil
}

// visit adds pkg and its unsatisfied dependencies to the closure
func (r *resolution) visit(pkg *models.Package) error {
	switch r.state[pkg.Name] {
	case resolved:
		return nil
	case visiting:
		return r.cycle(pkg.Name)
	}

	r.state[pkg.Name] = visiting
	r.stack = append(r.stack, pkg.Name)
	n := &node{pkg: pkg, deps: make(map[string]bool)}
	r.nodes[pkg.Name] = n

	for _, dep := range pkg.Depends {
		if pkg.Satisfies(dep) {
			continue
		}
		if _, ok := r.installedSatisfier(dep); ok {
			continue
		}
		cand, err := r.candidate(dep, pkg.Name)
		if err != nil {
			return err
		}
		n.deps[cand.Name] = true
		if err := r.visit(cand); err != nil {
			return err
		}
	}

	r.stack = r.stack[:len(r.stack)-1]
	r.state[pkg.Name] = resolved
	return nil
}

func (r *resolution) cycle(name string) error {
	start := 0
	for i, n := range r.stack {
		if n == name {
			start = i
			break
		}
	}
	path := append(append([]string(nil), r.stack[start:]...), name)
	return &models.ResolutionError{Kind: models.Cycle, Name: name, Cycle: path}
}

// replaced reports whether the installed package called name is going away
// or getting a new version in this transaction
func (r *resolution) replaced(name string) bool {
	if r.removing[name] {
		return true
	}
	if _, ok := r.planned[name]; ok {
		return true
	}
	_, ok := r.nodes[name]
	return ok
}

// installedSatisfier returns the installed package meeting dep, ignoring
// packages this transaction removes or replaces
func (r *resolution) installedSatisfier(dep models.Dependency) (*models.Package, bool) {
	if pkg, ok := r.local.Get(dep.Name); ok && !r.replaced(pkg.Name) && pkg.Satisfies(dep) {
		return pkg, true
	}
	for _, pkg := range r.local.Providers(dep.Name) {
		if !r.replaced(pkg.Name) && pkg.ProvidesCapability(dep) {
			return pkg, true
		}
	}
	return nil, false
}

// candidate picks the package satisfying dep: a closure or requested
// package first, then the index by real name, then the index providers in
// repository priority and name order
func (r *resolution) candidate(dep models.Dependency, requiredBy string) (*models.Package, error) {
	if n, ok := r.nodes[dep.Name]; ok && n.pkg.Satisfies(dep) {
		return n.pkg, nil
	}
	if pkg, ok := r.planned[dep.Name]; ok && pkg.Satisfies(dep) {
		return pkg, nil
	}
	for _, name := range sortedKeys(r.nodes) {
		if pkg := r.nodes[name].pkg; pkg.ProvidesCapability(dep) {
			return pkg, nil
		}
	}
	for _, name := range sortedKeys(r.planned) {
		if pkg := r.planned[name]; pkg.ProvidesCapability(dep) {
			return pkg, nil
		}
	}

	if pkg, ok := r.idx.Find(dep.Name); ok && pkg.Satisfies(dep) && r.acceptable(pkg) {
		return pkg, nil
	}
	for _, prov := range r.idx.Providers(dep.Name) {
		if prov.Package.ProvidesCapability(dep) && r.acceptable(prov.Package) {
			return prov.Package, nil
		}
	}
	return nil, models.NewUnsatisfied(dep.String(), requiredBy)
}

// acceptable rejects index packages whose name is already taken by a
// different closure package or is being removed
func (r *resolution) acceptable(pkg *models.Package) bool {
	if r.removing[pkg.Name] {
		return false
	}
	if n, ok := r.nodes[pkg.Name]; ok && n.pkg != pkg {
		return false
	}
	if p, ok := r.planned[pkg.Name]; ok && p != pkg {
		return false
	}
	return true
}

// conflicts checks closure packages against each other and against the
// installed packages that stay, in both directions
func (r *resolution) conflicts() []models.ConflictPair {
	names := sortedKeys(r.nodes)
	seen := make(map[[2]string]bool)
	var pairs []models.ConflictPair

	add := func(a, b *models.Package) {
		d, ok := a.ConflictsWith(b)
		if !ok {
			return
		}
		key := [2]string{a.Name, b.Name}
		if b.Name < a.Name {
			key = [2]string{b.Name, a.Name}
		}
		if seen[key] {
			return
		}
		seen[key] = true
		pairs = append(pairs, models.ConflictPair{A: a.Name, B: b.Name, Reason: d.String()})
	}

	for _, a := range names {
		for _, b := range names {
			if a != b {
				add(r.nodes[a].pkg, r.nodes[b].pkg)
			}
		}
	}
	for _, a := range names {
		pkg := r.nodes[a].pkg
		for _, inst := range r.local.List() {
			if r.replaced(inst.Name) {
				continue
			}
			add(pkg, inst)
			add(inst, pkg)
		}
	}
	return pairs
}

// checkInstalled makes sure no installed package that stays loses a
// dependency it currently has
func (r *resolution) checkInstalled() error {
	after := r.local.Clone()
	for name := range r.removing {
		after.Remove(name)
	}
	for _, n := range r.nodes {
		after.Put(n.pkg)
	}

	for _, pkg := range r.local.List() {
		if r.replaced(pkg.Name) {
			continue
		}
		for _, dep := range pkg.Depends {
			if _, before := r.local.Satisfier(dep); !before {
				continue
			}
			if _, ok := after.Satisfier(dep); !ok {
				return models.NewUnsatisfied(dep.String(), pkg.Name)
			}
		}
	}
	return nil
}

// dependents lists installed packages outside the removal set with a
// dependency that target satisfies today and nothing satisfies after
func (r *resolution) dependents(target *models.Package, after *localdb.LocalDatabase) []string {
	var dependents []string
	for _, pkg := range r.local.List() {
		if r.removing[pkg.Name] {
			continue
		}
		for _, dep := range pkg.Depends {
			if !target.Satisfies(dep) {
				continue
			}
			if _, ok := after.Satisfier(dep); !ok {
				dependents = append(dependents, pkg.Name)
				break
			}
		}
	}
	return dependents
}

// installOrder sorts the closure with dependencies first, breaking ties by
// name
func (r *resolution) installOrder() []transaction.Operation {
	indegree := make(map[string]int, len(r.nodes))
	dependents := make(map[string][]string)
	for name, n := range r.nodes {
		indegree[name] += 0
		for dep := range n.deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	order := kahn(indegree, dependents)
	ops := make([]transaction.Operation, 0, len(order))
	for _, name := range order {
		pkg := r.nodes[name].pkg
		if inst, ok := r.local.Get(name); ok && !r.removing[name] {
			ops = append(ops, transaction.Upgrade(pkg, inst.Version))
		} else {
			ops = append(ops, transaction.Install(pkg))
		}
	}
	return ops
}

// removalOrder sorts removals with dependents first, breaking ties by name
func (r *resolution) removalOrder(targets []*models.Package) []transaction.Operation {
	if len(targets) == 0 {
		return nil
	}

	byName := make(map[string]*models.Package, len(targets))
	for _, pkg := range targets {
		byName[pkg.Name] = pkg
	}

	// a edge a -> b means a depends on b, so a goes first
	indegree := make(map[string]int, len(targets))
	successors := make(map[string][]string)
	for _, a := range targets {
		indegree[a.Name] += 0
		for _, b := range targets {
			if a == b || !dependsOn(a, b) {
				continue
			}
			indegree[b.Name]++
			successors[a.Name] = append(successors[a.Name], b.Name)
		}
	}

	order := kahn(indegree, successors)
	ops := make([]transaction.Operation, 0, len(order))
	for _, name := range order {
		ops = append(ops, transaction.Remove(byName[name]))
	}
	return ops
}

func dependsOn(a, b *models.Package) bool {
	for _, dep := range a.Depends {
		if b.Satisfies(dep) {
			return true
		}
	}
	return false
}

// kahn returns a topological order, taking the smallest ready name first.
// Nodes left on a cycle are appended in name order.
func kahn(indegree map[string]int, successors map[string][]string) []string {
	remaining := make(map[string]int, len(indegree))
	var ready []string
	for name, d := range indegree {
		remaining[name] = d
		if d == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		delete(remaining, name)

		for _, next := range successors[name] {
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(remaining) > 0 {
		logrus.Warnf("Dependency cycle among %d packages, ordering them by name", len(remaining))
		order = append(order, sortedKeys(remaining)...)
	}
	return order
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
