// Copyright 2026 The npmvulncheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package npmprovider builds a graphmodel.DepGraph from an npm-style
// package-lock.json (lockfileVersion 1, 2 or 3), reconstructing the virtual
// node_modules install tree the way npm's own arborist does so that bare
// specifiers can be resolved to the correct shadowed instance.
package npmprovider

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ossguard/npmvulncheck/internal/dependencyfile/packagelockjson"
	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/nodeexports"
	"github.com/ossguard/npmvulncheck/internal/specifier"
	"github.com/ossguard/npmvulncheck/log"
	"github.com/ossguard/npmvulncheck/purl"
)

// Provider implements lockfile.Provider for npm/npm-shrinkwrap lockfiles.
type Provider struct{}

// New returns an npm lockfile provider.
func New() *Provider { return &Provider{} }

// Manager implements lockfile.Provider.
func (p *Provider) Manager() lockfile.Manager { return lockfile.ManagerNPM }

var lockfileNames = []string{"package-lock.json", "npm-shrinkwrap.json"}

// Detect implements lockfile.Provider.
func (p *Provider) Detect(root string, fsys fs.FS) (lockfile.DetectResult, bool) {
	for _, name := range lockfileNames {
		path := filepath.ToSlash(filepath.Join(root, name))
		if _, err := fs.Stat(fsys, stripLeadingSlash(path)); err == nil {
			return lockfile.DetectResult{Manager: lockfile.ManagerNPM, LockfilePath: path, Details: name}, true
		}
	}
	return lockfile.DetectResult{}, false
}

// Load implements lockfile.Provider.
func (p *Provider) Load(root string, fsys fs.FS, mode lockfile.Mode, includeDev bool) (*lockfile.ProviderContext, error) {
	det, ok := p.Detect(root, fsys)
	if !ok {
		return nil, errors.New("npmprovider: no package-lock.json or npm-shrinkwrap.json found")
	}

	data, err := fs.ReadFile(fsys, stripLeadingSlash(det.LockfilePath))
	if err != nil {
		return nil, fmt.Errorf("npmprovider: reading %s: %w", det.LockfilePath, err)
	}

	var lockJSON packagelockjson.LockFile
	if err := json.Unmarshal(data, &lockJSON); err != nil {
		return nil, fmt.Errorf("npmprovider: parsing %s: %w", det.LockfilePath, err)
	}

	var (
		g    *graphmodel.DepGraph
		tree *nodeModule
	)
	switch {
	case lockJSON.Packages != nil:
		g, tree, err = nodesFromPackages(lockJSON, includeDev)
	case lockJSON.Dependencies != nil:
		g, tree, err = nodesFromDependencies(lockJSON, includeDev)
	default:
		return nil, errors.New("npmprovider: lockfile has neither \"packages\" nor \"dependencies\"")
	}
	if err != nil {
		return nil, fmt.Errorf("npmprovider: %w", err)
	}

	res := &npmResolver{tree: tree, fsys: fsys, root: root, cache: make(map[string]resolved)}

	return &lockfile.ProviderContext{
		Detect: det,
		Graph:  g,
		Capabilities: lockfile.Capabilities{
			LockfileResolver: true,
			FSResolver:       mode != lockfile.ModeLockfile,
		},
		Resolver: res,
	}, nil
}

func stripLeadingSlash(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// nodeModule mirrors the in-memory node_modules directory tree npm's
// arborist builds while installing, so that a bare specifier referenced from
// a given file can be resolved by walking up to the nearest ancestor
// directory that has it installed.
type nodeModule struct {
	NodeID     graphmodel.NodeID
	Location   string
	Parent     *nodeModule
	Children   map[string]*nodeModule // keyed on package name
	Deps       map[string]depSpec
	ActualName string // set if this install is an npm: alias for a different package
}

type depSpec struct {
	Version string
	Type    graphmodel.DependencyType
}

func nodesFromPackages(lockJSON packagelockjson.LockFile, includeDev bool) (*graphmodel.DepGraph, *nodeModule, error) {
	rootPkg, ok := lockJSON.Packages[""]
	if !ok {
		return nil, nil, errors.New("missing root package entry")
	}
	root := &graphmodel.PackageNode{
		Name:    cmp.Or(rootPkg.Name, "."),
		Version: cmp.Or(rootPkg.Version, graphmodel.UnknownVersion),
		Source:  graphmodel.SourceWorkspace,
	}
	g := graphmodel.NewDepGraph(root)
	tree := makeNodeModuleDeps(rootPkg, true)
	tree.NodeID = g.RootID
	tree.Location = "."

	workspaces := map[string]*nodeModule{"": tree}

	for _, key := range packagesByDepth(lockJSON.Packages) {
		if key == "" {
			continue
		}
		pkg := lockJSON.Packages[key]
		path := strings.Split(key, "node_modules/")

		if len(path) == 1 {
			// No "node_modules/" segment: a workspace member directory.
			node := newPackageNode(g, path[0], pkg, graphmodel.SourceWorkspace)
			m := makeNodeModuleDeps(pkg, true)
			m.NodeID = node
			m.Location = key
			workspaces[path[0]] = m
			continue
		}

		if pkg.Link {
			if len(path) != 2 || path[0] != "" {
				return nil, nil, errors.New("symlink found outside root node_modules")
			}
			m := workspaces[strings.TrimSuffix(pkg.Resolved, "/")]
			if m == nil {
				continue
			}
			name := path[1]
			tree.Children[name] = m
			m.Parent = tree
			g.Nodes[m.NodeID].Name = name
			if _, ok := tree.Deps[name]; !ok {
				tree.Deps[name] = depSpec{Version: "*", Type: graphmodel.DepProd}
			}
			continue
		}

		parent := tree
		if path[0] != "" {
			w, ok := workspaces[strings.TrimSuffix(path[0], "/")]
			if !ok {
				continue // package installed under a directory outside this project; npm ignores it too.
			}
			parent = w
		}

		found := true
		for _, seg := range path[1 : len(path)-1] {
			seg = strings.TrimSuffix(seg, "/")
			if parent, found = parent.Children[seg]; !found {
				break
			}
		}
		if !found {
			continue
		}

		name := path[len(path)-1]
		source := sourceFromResolved(pkg.Resolved)
		node := newPackageNode(g, name, pkg, source)
		child := makeNodeModuleDeps(pkg, false)
		child.NodeID = node
		child.Location = key
		child.Parent = parent
		if pkg.Name != "" && pkg.Name != name {
			child.ActualName = pkg.Name
		}
		parent.Children[name] = child
	}

	if err := wireEdges(g, tree); err != nil {
		return nil, nil, err
	}
	return g, tree, nil
}

func nodesFromDependencies(lockJSON packagelockjson.LockFile, includeDev bool) (*graphmodel.DepGraph, *nodeModule, error) {
	root := &graphmodel.PackageNode{Name: ".", Version: graphmodel.UnknownVersion, Source: graphmodel.SourceWorkspace}
	g := graphmodel.NewDepGraph(root)
	tree := &nodeModule{NodeID: g.RootID, Location: ".", Children: map[string]*nodeModule{}, Deps: map[string]depSpec{}}

	var addDeps func(parent *nodeModule, deps map[string]packagelockjson.Dependency)
	addDeps = func(parent *nodeModule, deps map[string]packagelockjson.Dependency) {
		for name, dep := range deps {
			if dep.Dev && !includeDev {
				continue
			}
			source := sourceFromResolved(dep.Resolved)
			node := &graphmodel.PackageNode{
				Name:     name,
				Version:  cmp.Or(versionFromAliasOrPlain(dep.Version), graphmodel.UnknownVersion),
				Source:   source,
				Resolved: dep.Resolved,
				Flags:    graphmodel.Flags{Dev: dep.Dev, Optional: dep.Optional},
			}
			id := g.AddNode(node)
			child := &nodeModule{NodeID: id, Parent: parent, Children: map[string]*nodeModule{}, Deps: map[string]depSpec{}}
			for reqName, reqVer := range dep.Requires {
				child.Deps[reqName] = depSpec{Version: reqVer, Type: graphmodel.DepProd}
			}
			parent.Children[name] = child
			addDeps(child, dep.Dependencies)
		}
	}
	addDeps(tree, lockJSON.Dependencies)

	if err := wireEdges(g, tree); err != nil {
		return nil, nil, err
	}
	return g, tree, nil
}

func versionFromAliasOrPlain(v string) string {
	if rest, ok := strings.CutPrefix(v, "npm:"); ok {
		if idx := strings.LastIndex(rest, "@"); idx > 0 {
			return rest[idx+1:]
		}
	}
	return v
}

func newPackageNode(g *graphmodel.DepGraph, name string, pkg packagelockjson.Package, source graphmodel.Source) graphmodel.NodeID {
	node := &graphmodel.PackageNode{
		Name:      name,
		Version:   cmp.Or(pkg.Version, graphmodel.UnknownVersion),
		Location:  "",
		Source:    source,
		Integrity: "", // package-lock.json stores integrity separately; filled in by caller if needed.
		Resolved:  pkg.Resolved,
		Flags: graphmodel.Flags{
			Dev:      pkg.Dev || pkg.DevOptional,
			Optional: pkg.Optional || pkg.DevOptional,
		},
	}
	node.PURL = purlFor(name, node.Version).String()
	return g.AddNode(node)
}

func purlFor(name, version string) purl.PackageURL {
	namespace, base := "", name
	if strings.HasPrefix(name, "@") {
		if idx := strings.Index(name, "/"); idx > 0 {
			namespace, base = name[:idx], name[idx+1:]
		}
	}
	return purl.PackageURL{Type: purl.TypeNPM, Namespace: namespace, Name: base, Version: version}
}

func sourceFromResolved(resolved string) graphmodel.Source {
	switch {
	case resolved == "":
		return graphmodel.SourceUnknown
	case strings.HasPrefix(resolved, "git+"), strings.HasPrefix(resolved, "git://"), strings.Contains(resolved, "#"):
		return graphmodel.SourceGit
	case strings.HasPrefix(resolved, "file:"):
		return graphmodel.SourceFile
	default:
		return graphmodel.SourceRegistry
	}
}

func makeNodeModuleDeps(pkg packagelockjson.Package, includeDev bool) *nodeModule {
	nm := &nodeModule{Children: make(map[string]*nodeModule), Deps: make(map[string]depSpec)}
	for name, version := range pkg.PeerDependencies {
		nm.Deps[name] = depSpec{Version: version, Type: graphmodel.DepPeer}
	}
	for name, version := range pkg.Dependencies {
		nm.Deps[name] = depSpec{Version: version, Type: graphmodel.DepProd}
	}
	for name, version := range pkg.OptionalDependencies {
		nm.Deps[name] = depSpec{Version: version, Type: graphmodel.DepOptional}
	}
	if includeDev {
		for name, version := range pkg.DevDependencies {
			nm.Deps[name] = depSpec{Version: version, Type: graphmodel.DepDev}
		}
	}
	for name, d := range nm.Deps {
		d.Version = versionFromAliasOrPlain(d.Version)
		nm.Deps[name] = d
	}
	return nm
}

func packagesByDepth(packages map[string]packagelockjson.Package) []string {
	keys := slices.Collect(maps.Keys(packages))
	slices.SortFunc(keys, func(a, b string) int {
		as, bs := strings.Split(a, "node_modules/"), strings.Split(b, "node_modules/")
		if c := cmp.Compare(len(as), len(bs)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return keys
}

func findDependencyNode(node *nodeModule, name string) (*nodeModule, bool) {
	for n := node; n != nil; n = n.Parent {
		if child, ok := n.Children[name]; ok {
			return child, true
		}
	}
	return nil, false
}

func wireEdges(g *graphmodel.DepGraph, root *nodeModule) error {
	aliases := map[graphmodel.NodeID]string{}
	queue := []*nodeModule{root}
	seen := map[*nodeModule]bool{root: true}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if n.ActualName != "" {
			aliases[n.NodeID] = n.ActualName
		}
		for _, child := range n.Children {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
		for depName, spec := range n.Deps {
			target, ok := findDependencyNode(n, depName)
			if !ok {
				if spec.Type != graphmodel.DepOptional {
					log.Warnf("npmprovider: %s missing installed dependency %s", g.Nodes[n.NodeID].Name, depName)
				}
				continue
			}
			g.AddEdge(graphmodel.DependencyEdge{From: n.NodeID, To: target.NodeID, Name: depName, Type: spec.Type})
			switch spec.Type {
			case graphmodel.DepDev:
				g.Nodes[target.NodeID].Flags.Dev = true
			case graphmodel.DepOptional:
				g.Nodes[target.NodeID].Flags.Optional = true
			case graphmodel.DepPeer:
				g.Nodes[target.NodeID].Flags.Peer = true
			}
		}
	}

	for id, name := range aliases {
		g.Nodes[id].Name = name
	}
	return nil
}

// resolved is the cached outcome of one (specifier, fromFile, kind,
// conditions) resolution.
type resolved struct {
	node    graphmodel.NodeID
	outcome graphmodel.ResolveOutcome
}

// npmResolver implements graphmodel.Resolver against the node_modules tree
// reconstructed from a package-lock.json. Package "exports"/"imports" maps
// are only consulted when the installed package.json is actually reachable
// through fsys; a pure lockfile-mode scan (no node_modules on disk) falls
// back to unconditional package-level resolution.
type npmResolver struct {
	tree *nodeModule
	fsys fs.FS
	root string

	mu    sync.Mutex
	cache map[string]resolved
}

func (r *npmResolver) ResolvePackage(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) (graphmodel.NodeID, graphmodel.ResolveOutcome) {
	key := strings.Join([]string{spec, fromFile, string(kind), strings.Join(conditions, ",")}, "\x00")
	r.mu.Lock()
	if c, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return c.node, c.outcome
	}
	r.mu.Unlock()

	node, outcome := r.resolveUncached(spec, fromFile, conditions)
	r.mu.Lock()
	r.cache[key] = resolved{node, outcome}
	r.mu.Unlock()
	return node, outcome
}

func (r *npmResolver) resolveUncached(spec, fromFile string, conditions []string) (graphmodel.NodeID, graphmodel.ResolveOutcome) {
	bare, ok := specifier.ParseBare(spec)
	if !ok {
		return 0, graphmodel.ResolveUnresolved
	}

	owner := r.owningModule(fromFile)
	target, found := findDependencyNode(owner, bare.PackageName)
	if !found {
		return 0, graphmodel.ResolveUnresolved
	}

	subpath := bare.Subpath

	exportsRaw, hasExports := r.readExports(target)
	if !hasExports {
		return target.NodeID, graphmodel.ResolveOK
	}
	_, outcome := nodeexports.Resolve(exportsRaw, subpath, conditions)
	switch outcome {
	case nodeexports.Resolved:
		return target.NodeID, graphmodel.ResolveOK
	default:
		return 0, graphmodel.ResolveBlocked
	}
}

func (r *npmResolver) ResolveCandidates(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) []graphmodel.NodeID {
	node, outcome := r.ResolvePackage(spec, fromFile, kind, conditions)
	if outcome != graphmodel.ResolveOK {
		return nil
	}
	return []graphmodel.NodeID{node}
}

func (r *npmResolver) ResolveInternalImport(spec, fromFile string, conditions []string) (string, bool) {
	owner := r.owningModule(fromFile)
	importsRaw, ok := r.readImports(owner)
	if !ok {
		return "", false
	}
	target, outcome := nodeexports.Resolve(importsRaw, spec, conditions)
	if outcome != nodeexports.Resolved {
		return "", false
	}
	return target, true
}

// owningModule finds the nodeModule whose installed location is the nearest
// ancestor of fromFile, falling back to the project root.
func (r *npmResolver) owningModule(fromFile string) *nodeModule {
	best := r.tree
	bestLen := -1
	var walk func(n *nodeModule)
	walk = func(n *nodeModule) {
		if n.Location != "" && n.Location != "." {
			loc := filepath.Join(r.root, strings.TrimSuffix(n.Location, "/"))
			if strings.HasPrefix(fromFile, loc) && len(loc) > bestLen {
				best, bestLen = n, len(loc)
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(r.tree)
	return best
}

func (r *npmResolver) readExports(n *nodeModule) (any, bool) {
	return r.readManifestField(n, "exports")
}

func (r *npmResolver) readImports(n *nodeModule) (any, bool) {
	return r.readManifestField(n, "imports")
}

func (r *npmResolver) readManifestField(n *nodeModule, field string) (any, bool) {
	if r.fsys == nil || n.Location == "" {
		return nil, false
	}
	path := stripLeadingSlash(filepath.Join(n.Location, "package.json"))
	data, err := fs.ReadFile(r.fsys, path)
	if err != nil {
		return nil, false
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	v, ok := manifest[field]
	return v, ok
}
