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

// Package pnpmprovider builds a graphmodel.DepGraph from a pnpm-lock.yaml,
// across the three lockfile shapes pnpm has shipped: the pre-6 flat
// "/name/version" dependency-path format, the v6 combined packages format,
// and the v9 "name@version" format with dependency resolution split out
// into a separate "snapshots" section.
package pnpmprovider

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/purl"
)

// Provider implements lockfile.Provider for pnpm-lock.yaml lockfiles.
type Provider struct{}

// New returns a pnpm lockfile provider.
func New() *Provider { return &Provider{} }

// Manager implements lockfile.Provider.
func (p *Provider) Manager() lockfile.Manager { return lockfile.ManagerPNPM }

// Detect implements lockfile.Provider.
func (p *Provider) Detect(root string, fsys fs.FS) (lockfile.DetectResult, bool) {
	path := filepath.ToSlash(filepath.Join(root, "pnpm-lock.yaml"))
	if _, err := fs.Stat(fsys, stripLeadingSlash(path)); err != nil {
		return lockfile.DetectResult{}, false
	}
	return lockfile.DetectResult{Manager: lockfile.ManagerPNPM, LockfilePath: path, Details: "pnpm-lock.yaml"}, true
}

// Load implements lockfile.Provider.
func (p *Provider) Load(root string, fsys fs.FS, mode lockfile.Mode, includeDev bool) (*lockfile.ProviderContext, error) {
	det, ok := p.Detect(root, fsys)
	if !ok {
		return nil, errors.New("pnpmprovider: no pnpm-lock.yaml found")
	}

	data, err := fs.ReadFile(fsys, stripLeadingSlash(det.LockfilePath))
	if err != nil {
		return nil, fmt.Errorf("pnpmprovider: reading %s: %w", det.LockfilePath, err)
	}

	var raw rawLockfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("pnpmprovider: parsing %s: %w", det.LockfilePath, err)
	}

	g, err := buildGraph(raw, includeDev)
	if err != nil {
		return nil, fmt.Errorf("pnpmprovider: %w", err)
	}

	return &lockfile.ProviderContext{
		Detect: det,
		Graph:  g,
		Capabilities: lockfile.Capabilities{
			LockfileResolver: true,
			FSResolver:       mode != lockfile.ModeLockfile,
		},
		Resolver: newResolver(g),
	}, nil
}

func stripLeadingSlash(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// versionField accepts both the pre-v6 bare-string dependency version and
// the v6+ {specifier, version} mapping form.
type versionField struct {
	Version string
}

func (v *versionField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&v.Version)
	}
	var m struct {
		Version string `yaml:"version"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	v.Version = m.Version
	return nil
}

type importerEntry struct {
	Dependencies         map[string]versionField `yaml:"dependencies,omitempty"`
	DevDependencies      map[string]versionField `yaml:"devDependencies,omitempty"`
	OptionalDependencies map[string]versionField `yaml:"optionalDependencies,omitempty"`
}

type resolutionField struct {
	Integrity string `yaml:"integrity,omitempty"`
	Tarball   string `yaml:"tarball,omitempty"`
	Commit    string `yaml:"commit,omitempty"`
	Repo      string `yaml:"repo,omitempty"`
}

type packageEntry struct {
	Resolution resolutionField `yaml:"resolution,omitempty"`
	Name       string          `yaml:"name,omitempty"`
	Version    string          `yaml:"version,omitempty"`
	Dev        bool            `yaml:"dev,omitempty"`

	// Present directly on the package entry in pre-v9 lockfiles; in v9 these
	// live in the separate "snapshots" section instead, keyed identically.
	Dependencies         map[string]string `yaml:"dependencies,omitempty"`
	OptionalDependencies map[string]string `yaml:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `yaml:"peerDependencies,omitempty"`
}

type snapshotEntry struct {
	Dependencies         map[string]string `yaml:"dependencies,omitempty"`
	OptionalDependencies map[string]string `yaml:"optionalDependencies,omitempty"`
}

type rawLockfile struct {
	LockfileVersion lockfileVersion           `yaml:"lockfileVersion"`
	Importers       map[string]importerEntry  `yaml:"importers,omitempty"`
	Dependencies    map[string]versionField   `yaml:"dependencies,omitempty"`
	DevDependencies map[string]versionField   `yaml:"devDependencies,omitempty"`
	Packages        map[string]packageEntry   `yaml:"packages,omitempty"`
	Snapshots       map[string]snapshotEntry  `yaml:"snapshots,omitempty"`
}

// lockfileVersion coerces the YAML "lockfileVersion" field (a bare float in
// pre-v6 lockfiles, a quoted string like "9.0" from v6 onward) into a single
// float for version comparisons.
type lockfileVersion float64

func (v *lockfileVersion) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil && s != "" {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return ferr
		}
		*v = lockfileVersion(f)
		return nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return err
	}
	*v = lockfileVersion(f)
	return nil
}

var peerSuffix = regexp.MustCompile(`\([^()]*\)`)

func stripPeerSuffix(s string) string {
	return peerSuffix.ReplaceAllString(s, "")
}

// parseKey splits a packages/snapshots dependency-path key into (name,
// version), supporting the pre-v6 "/name/version" form and the v6+
// "name@version" form (with an optional peer-dependency suffix in
// parentheses, stripped before returning).
func parseKey(key string) (name, version string, ok bool) {
	key = strings.Trim(key, "'\"")
	if rest, isSlash := strings.CutPrefix(key, "/"); isSlash {
		parts := strings.Split(rest, "/")
		if len(parts) < 2 {
			return "", "", false
		}
		if strings.HasPrefix(parts[0], "@") && len(parts) >= 3 {
			return parts[0] + "/" + parts[1], stripPeerSuffix(parts[2]), true
		}
		return parts[0], stripPeerSuffix(parts[1]), true
	}

	rest, scoped := strings.CutPrefix(key, "@")
	name, version, found := strings.Cut(rest, "@")
	if !found {
		return "", "", false
	}
	if scoped {
		name = "@" + name
	}
	return name, stripPeerSuffix(version), true
}

func buildGraph(raw rawLockfile, includeDev bool) (*graphmodel.DepGraph, error) {
	root := &graphmodel.PackageNode{Name: ".", Version: graphmodel.UnknownVersion, Source: graphmodel.SourceWorkspace}
	g := graphmodel.NewDepGraph(root)

	// nodeByKey maps a package's dependency-path key (as it appears in
	// "packages"/"snapshots") to the graph node representing it.
	nodeByKey := make(map[string]graphmodel.NodeID)
	for _, key := range sortedKeys(raw.Packages) {
		pkg := raw.Packages[key]
		name, version, ok := parseKey(key)
		if !ok {
			continue
		}
		if pkg.Name != "" {
			name = pkg.Name
		}
		if pkg.Version != "" {
			version = pkg.Version
		}
		node := &graphmodel.PackageNode{
			Name:      name,
			Version:   cmp.Or(version, graphmodel.UnknownVersion),
			Source:    sourceFromResolution(pkg.Resolution),
			Integrity: pkg.Resolution.Integrity,
			Resolved:  pkg.Resolution.Tarball,
			Flags:     graphmodel.Flags{Dev: pkg.Dev},
		}
		node.PURL = purlFor(name, node.Version).String()
		nodeByKey[key] = g.AddNode(node)
	}

	edgesFor := func(key string) (map[string]string, map[string]string) {
		if snap, ok := raw.Snapshots[key]; ok {
			return snap.Dependencies, snap.OptionalDependencies
		}
		if pkg, ok := raw.Packages[key]; ok {
			return pkg.Dependencies, pkg.OptionalDependencies
		}
		return nil, nil
	}

	resolveChild := func(name, version string) (graphmodel.NodeID, bool) {
		version = stripPeerSuffix(version)
		for _, n := range g.NodesByNameVersion(name, version) {
			return n.ID, true
		}
		return 0, false
	}

	for key, id := range nodeByKey {
		deps, optDeps := edgesFor(key)
		addDeps(g, id, deps, graphmodel.DepProd, resolveChild)
		addDeps(g, id, optDeps, graphmodel.DepOptional, resolveChild)
	}

	// Root-level importers (v6+) or bare dependencies map (pre-v6, single
	// project, no workspaces).
	if len(raw.Importers) > 0 {
		for path, imp := range raw.Importers {
			importerID := g.RootID
			if path != "." {
				wsNode := &graphmodel.PackageNode{Name: path, Version: graphmodel.UnknownVersion, Source: graphmodel.SourceWorkspace}
				importerID = g.AddNode(wsNode)
				g.Importers[path] = importerID
			}
			addVersionFieldDeps(g, importerID, imp.Dependencies, graphmodel.DepProd, resolveChild)
			if includeDev {
				addVersionFieldDeps(g, importerID, imp.DevDependencies, graphmodel.DepDev, resolveChild)
			}
			addVersionFieldDeps(g, importerID, imp.OptionalDependencies, graphmodel.DepOptional, resolveChild)
		}
	} else {
		addVersionFieldDeps(g, g.RootID, raw.Dependencies, graphmodel.DepProd, resolveChild)
		if includeDev {
			addVersionFieldDeps(g, g.RootID, raw.DevDependencies, graphmodel.DepDev, resolveChild)
		}
	}

	return g, nil
}

func addDeps(g *graphmodel.DepGraph, from graphmodel.NodeID, deps map[string]string, typ graphmodel.DependencyType, resolve func(name, version string) (graphmodel.NodeID, bool)) {
	for name, version := range deps {
		to, ok := resolve(name, version)
		if !ok {
			continue
		}
		g.AddEdge(graphmodel.DependencyEdge{From: from, To: to, Name: name, Type: typ})
		if typ == graphmodel.DepOptional {
			g.Nodes[to].Flags.Optional = true
		}
	}
}

func addVersionFieldDeps(g *graphmodel.DepGraph, from graphmodel.NodeID, deps map[string]versionField, typ graphmodel.DependencyType, resolve func(name, version string) (graphmodel.NodeID, bool)) {
	for name, v := range deps {
		to, ok := resolve(name, v.Version)
		if !ok {
			continue
		}
		g.AddEdge(graphmodel.DependencyEdge{From: from, To: to, Name: name, Type: typ})
		switch typ {
		case graphmodel.DepDev:
			g.Nodes[to].Flags.Dev = true
		case graphmodel.DepOptional:
			g.Nodes[to].Flags.Optional = true
		}
	}
}

func sourceFromResolution(r resolutionField) graphmodel.Source {
	switch {
	case r.Commit != "" || r.Repo != "":
		return graphmodel.SourceGit
	case strings.HasPrefix(r.Tarball, "file:"):
		return graphmodel.SourceFile
	case r.Tarball != "":
		return graphmodel.SourceRegistry
	default:
		return graphmodel.SourceRegistry
	}
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// resolver implements graphmodel.Resolver purely in terms of which packages
// the lockfile says are installed, without subpath-exports enforcement:
// pnpm-lock.yaml carries no manifest data for "exports"/"imports" fields, so
// callers needing that must layer an installed-tree filesystem lookup on
// top (see npmprovider's equivalent, which pnpm's node_modules/.pnpm layout
// is link-compatible with).
type resolver struct {
	byName map[string][]graphmodel.NodeID
}

func newResolver(g *graphmodel.DepGraph) *resolver {
	r := &resolver{byName: make(map[string][]graphmodel.NodeID)}
	for id, n := range g.Nodes {
		r.byName[n.Name] = append(r.byName[n.Name], id)
	}
	return r
}

func (r *resolver) ResolvePackage(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) (graphmodel.NodeID, graphmodel.ResolveOutcome) {
	name := spec
	if idx := strings.Index(spec, "/"); idx > 0 && !strings.HasPrefix(spec, "@") {
		name = spec[:idx]
	} else if strings.HasPrefix(spec, "@") {
		if parts := strings.SplitN(spec, "/", 3); len(parts) >= 2 {
			name = parts[0] + "/" + parts[1]
		}
	}
	candidates := r.byName[name]
	if len(candidates) == 0 {
		return 0, graphmodel.ResolveUnresolved
	}
	return candidates[0], graphmodel.ResolveOK
}

func (r *resolver) ResolveCandidates(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) []graphmodel.NodeID {
	node, outcome := r.ResolvePackage(spec, fromFile, kind, conditions)
	if outcome != graphmodel.ResolveOK {
		return nil
	}
	return []graphmodel.NodeID{node}
}

func (r *resolver) ResolveInternalImport(spec, fromFile string, conditions []string) (string, bool) {
	return "", false
}
