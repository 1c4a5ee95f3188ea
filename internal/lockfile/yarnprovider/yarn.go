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

// Package yarnprovider builds a graphmodel.DepGraph from a yarn.lock, in
// either classic (v1) or Berry (v2+) syntax. yarn.lock is not YAML: each
// package is a block headed by one or more comma-separated request
// specifiers ("name@range"), followed by indented properties, one of which
// may itself be a "dependencies:"/"optionalDependencies:" sub-block nested
// one level deeper. Edges are reconstructed by matching each dependency
// sub-block entry's "name@range" back to the header specifier that
// advertises it.
package yarnprovider

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/purl"
)

// Provider implements lockfile.Provider for yarn.lock lockfiles.
type Provider struct{}

// New returns a yarn lockfile provider.
func New() *Provider { return &Provider{} }

// Manager implements lockfile.Provider.
func (p *Provider) Manager() lockfile.Manager { return lockfile.ManagerYarn }

// Detect implements lockfile.Provider.
func (p *Provider) Detect(root string, fsys fs.FS) (lockfile.DetectResult, bool) {
	path := filepath.ToSlash(filepath.Join(root, "yarn.lock"))
	if _, err := fs.Stat(fsys, stripLeadingSlash(path)); err != nil {
		return lockfile.DetectResult{}, false
	}
	return lockfile.DetectResult{Manager: lockfile.ManagerYarn, LockfilePath: path, Details: "yarn.lock"}, true
}

// Load implements lockfile.Provider.
func (p *Provider) Load(root string, fsys fs.FS, mode lockfile.Mode, includeDev bool) (*lockfile.ProviderContext, error) {
	det, ok := p.Detect(root, fsys)
	if !ok {
		return nil, errors.New("yarnprovider: no yarn.lock found")
	}

	data, err := fs.ReadFile(fsys, stripLeadingSlash(det.LockfilePath))
	if err != nil {
		return nil, fmt.Errorf("yarnprovider: reading %s: %w", det.LockfilePath, err)
	}

	groups, err := groupDescriptions(bufio.NewScanner(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("yarnprovider: parsing %s: %w", det.LockfilePath, err)
	}

	g := buildGraph(groups, includeDev)

	return &lockfile.ProviderContext{
		Detect: det,
		Graph:  g,
		Capabilities: lockfile.Capabilities{
			LockfileResolver: true,
			FSResolver:       mode != lockfile.ModeLockfile,
			PnPResolver:      false,
		},
		Resolver: newResolver(g),
	}, nil
}

func stripLeadingSlash(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// group is one yarn.lock package block: a comma-separated list of request
// specifiers, plus every indented property line below the header verbatim
// (indentation preserved, so dependency sub-blocks can be told apart from
// top-level properties).
type group struct {
	specifiers []string
	props      []string
}

func groupDescriptions(scanner *bufio.Scanner) ([]*group, error) {
	var groups []*group
	var current *group

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(line, " ") {
			if current != nil {
				groups = append(groups, current)
			}
			current = &group{specifiers: splitHeaderSpecifiers(trimmed)}
			continue
		}
		if current == nil {
			return nil, errors.New("malformed yarn.lock: indented line before any header")
		}
		current.props = append(current.props, line)
	}
	if current != nil {
		groups = append(groups, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// splitHeaderSpecifiers splits a header line like
// `"left-pad@^1.3.0", "left-pad@^1.2.0":` into its comma-separated request
// specifiers, each still in "name@range" form.
func splitHeaderSpecifiers(header string) []string {
	header = strings.TrimSuffix(header, ":")
	var out []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitNameRange splits a request specifier "name@range" (optionally
// scoped, "@scope/name@range") into (name, range).
func splitNameRange(spec string) (name, rng string) {
	scoped := strings.HasPrefix(spec, "@")
	s := strings.TrimPrefix(spec, "@")
	n, r, ok := strings.Cut(s, "@")
	if !ok {
		return spec, ""
	}
	if scoped {
		n = "@" + n
	}
	return n, strings.TrimPrefix(r, "npm:")
}

var (
	versionRe    = regexp.MustCompile(`^"?version"?:? "?([\w.+-]+)"?$`)
	resolutionRe = regexp.MustCompile(`^"?(?:resolution:|resolved)"? "([^"]+)"$`)
)

func parseVersion(props []string) string {
	for _, p := range props {
		if m := versionRe.FindStringSubmatch(strings.TrimSpace(p)); m != nil {
			return m[1]
		}
	}
	return ""
}

func parseResolution(props []string) string {
	for _, p := range props {
		if m := resolutionRe.FindStringSubmatch(strings.TrimSpace(p)); m != nil {
			return m[1]
		}
	}
	return ""
}

// depEntry is one line of a "dependencies:"-style sub-block.
type depEntry struct {
	name, rng string
	typ       graphmodel.DependencyType
}

// parseDepBlocks scans props for "dependencies:"/"optionalDependencies:"/
// "peerDependencies:" sub-blocks (one indent level deeper than props' own
// top-level lines) and returns every entry found in any of them.
func parseDepBlocks(props []string) []depEntry {
	var out []depEntry
	var section graphmodel.DependencyType
	inSection := false
	sectionIndent := -1

	for _, line := range props {
		indent := len(line) - len(strings.TrimLeft(line, " "))
		trimmed := strings.TrimSpace(line)

		switch trimmed {
		case "dependencies:":
			section, inSection, sectionIndent = graphmodel.DepProd, true, indent
			continue
		case "optionalDependencies:":
			section, inSection, sectionIndent = graphmodel.DepOptional, true, indent
			continue
		case "peerDependencies:":
			section, inSection, sectionIndent = graphmodel.DepPeer, true, indent
			continue
		}

		if !inSection {
			continue
		}
		if indent <= sectionIndent {
			inSection = false
			continue
		}

		name, rng, ok := parseDepLine(trimmed)
		if !ok {
			continue
		}
		out = append(out, depEntry{name: name, rng: rng, typ: section})
	}
	return out
}

// parseDepLine parses one dependency sub-block entry, accepting both the
// classic `name "range"` form and the Berry `name: "npm:range"` form.
func parseDepLine(line string) (name, rng string, ok bool) {
	if idx := strings.Index(line, ": "); idx > 0 && !strings.HasPrefix(line, `"`) {
		name = strings.Trim(line[:idx], `"`)
		rng = strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
		return name, strings.TrimPrefix(rng, "npm:"), true
	}
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	name = strings.Trim(parts[0], `":`)
	rng = strings.Trim(strings.TrimSpace(parts[1]), `"`)
	return name, strings.TrimPrefix(rng, "npm:"), true
}

// buildGraph reconstructs the dependency graph from grouped yarn.lock
// blocks. includeDev is accepted for Provider.Load interface symmetry with
// the npm/pnpm providers but cannot be honoured here: unlike
// package-lock.json and pnpm-lock.yaml, yarn.lock records no dev/prod
// distinction per package, so dev-only packages cannot be told apart from
// the lockfile alone.
func buildGraph(groups []*group, includeDev bool) *graphmodel.DepGraph {
	root := &graphmodel.PackageNode{Name: ".", Version: graphmodel.UnknownVersion, Source: graphmodel.SourceWorkspace}
	g := graphmodel.NewDepGraph(root)

	// specIndex maps a literal "name@range" request specifier (as it appears
	// either in a header or in a dependency sub-block) to the node it
	// resolved to.
	specIndex := make(map[string]graphmodel.NodeID)
	type pending struct {
		id   graphmodel.NodeID
		deps []depEntry
	}
	var pendings []pending

	for _, grp := range groups {
		if len(grp.specifiers) == 0 {
			continue
		}
		if grp.specifiers[0] == "__metadata" {
			continue
		}
		name, _ := splitNameRange(grp.specifiers[0])
		if strings.Contains(grp.specifiers[0], "@workspace:.") {
			continue // the root project itself, already represented by g.RootID.
		}

		version := parseVersion(grp.props)
		node := &graphmodel.PackageNode{
			Name:     name,
			Version:  versionOrUnknown(version),
			Source:   graphmodel.SourceRegistry,
			Resolved: parseResolution(grp.props),
		}
		node.PURL = purlFor(name, node.Version).String()
		id := g.AddNode(node)

		for _, spec := range grp.specifiers {
			specIndex[spec] = id
			n, r := splitNameRange(spec)
			specIndex[n+"@"+r] = id
		}

		pendings = append(pendings, pending{id: id, deps: parseDepBlocks(grp.props)})
	}

	for _, pend := range pendings {
		for _, d := range pend.deps {
			target, ok := specIndex[d.name+"@"+d.rng]
			if !ok {
				continue
			}
			g.AddEdge(graphmodel.DependencyEdge{From: pend.id, To: target, Name: d.name, Type: d.typ})
			switch d.typ {
			case graphmodel.DepOptional:
				g.Nodes[target].Flags.Optional = true
			case graphmodel.DepPeer:
				g.Nodes[target].Flags.Peer = true
			}
		}
	}

	// Direct project dependencies: every node whose request specifier isn't
	// itself a dependency of another resolved node is treated as root-direct.
	hasParent := make(map[graphmodel.NodeID]bool)
	for _, e := range g.Edges {
		hasParent[e.To] = true
	}
	for _, pend := range pendings {
		if !hasParent[pend.id] {
			name := g.Nodes[pend.id].Name
			g.AddEdge(graphmodel.DependencyEdge{From: g.RootID, To: pend.id, Name: name, Type: graphmodel.DepProd})
		}
	}

	return g
}

func versionOrUnknown(v string) string {
	if v == "" {
		return graphmodel.UnknownVersion
	}
	return v
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

// resolver implements graphmodel.Resolver by bare package name, mirroring
// pnpmprovider's: yarn.lock carries no "exports"/"imports" manifest data.
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
	if strings.HasPrefix(spec, "@") {
		if parts := strings.SplitN(spec, "/", 3); len(parts) >= 2 {
			name = parts[0] + "/" + parts[1]
		}
	} else if idx := strings.Index(spec, "/"); idx > 0 {
		name = spec[:idx]
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
