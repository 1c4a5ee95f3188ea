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

// Package reachability seeds a breadth-first search over a project's source
// files to decide which nodes of a DepGraph are actually imported, then
// propagates that evidence across the graph's edges so every transitively
// pulled-in package carries a trace back to the entry point that reached
// it.
package reachability

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/nodeexports"
	"github.com/ossguard/npmvulncheck/internal/resolvemodule"
	"github.com/ossguard/npmvulncheck/internal/sourceimport"
	"github.com/ossguard/npmvulncheck/internal/specifier"
	"github.com/ossguard/npmvulncheck/log"
)

// Options configures one reachability run.
type Options struct {
	Conditions         []string
	IncludeTypeImports bool
	ExplainResolve     bool
}

// NodeEvidence records why a node was deemed reachable: up to five unique
// traces, each a chain of package names from the entry's own first import
// down to (and including) this node.
type NodeEvidence struct {
	Traces []string
}

const maxTracesPerNode = 5

// UnresolvedImport is one import site whose specifier could not be resolved
// to any package or project file. Only populated when Options.ExplainResolve
// is set.
type UnresolvedImport struct {
	File      string
	Specifier string
	Line      int
	Column    int
}

// Result is the output of Run.
type Result struct {
	ByNodeID          map[graphmodel.NodeID]*NodeEvidence
	EntriesScanned    int
	HasUnknownImports bool
	UnresolvedImports []UnresolvedImport
}

// Run performs entry discovery, BFS seeding over project source, and
// evidence propagation across the graph.
func Run(ctx context.Context, root string, fsys fs.FS, graph *graphmodel.DepGraph, resolver graphmodel.Resolver, explicitEntries []string, opts Options) (*Result, error) {
	res := &Result{ByNodeID: make(map[graphmodel.NodeID]*NodeEvidence)}

	entries := discoverEntries(root, fsys, explicitEntries)
	if len(entries) == 0 {
		return res, nil
	}

	modResolver := resolvemodule.NewDefault(fsys)
	visited := make(map[string]bool)
	seededNodes := make(map[graphmodel.NodeID][]string) // nodeID -> traces (package-name chains)

	var queue []string
	for _, e := range entries {
		rel := toFSPath(e)
		if _, err := fs.Stat(fsys, rel); err != nil {
			continue
		}
		queue = append(queue, e)
		res.EntriesScanned++
	}

	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		if visited[file] {
			continue
		}
		visited[file] = true

		rel := toFSPath(file)
		content, err := fs.ReadFile(fsys, rel)
		if err != nil {
			res.HasUnknownImports = true
			continue
		}

		imports, err := sourceimport.ParseFile(ctx, file, content)
		if err != nil {
			res.HasUnknownImports = true
			continue
		}

		for _, imp := range imports {
			if imp.TypeOnly && !opts.IncludeTypeImports {
				continue
			}
			if imp.Unknown || imp.Specifier == "" {
				res.HasUnknownImports = true
				continue
			}

			spec := imp.Specifier
			if specifier.IsInternal(spec) {
				expanded, ok := resolver.ResolveInternalImport(spec, file, opts.Conditions)
				if !ok {
					if opts.ExplainResolve {
						res.UnresolvedImports = append(res.UnresolvedImports, UnresolvedImport{File: file, Specifier: spec, Line: imp.Line, Column: imp.Column})
					}
					continue
				}
				spec = expanded
			}

			if specifier.IsBuiltin(spec) {
				continue
			}

			if bare, ok := specifier.ParseBare(spec); ok {
				nodeID, outcome := resolver.ResolvePackage(spec, file, imp.Kind, opts.Conditions)
				switch outcome {
				case graphmodel.ResolveOK:
					seededNodes[nodeID] = append(seededNodes[nodeID], bare.PackageName)
				case graphmodel.ResolveBlocked:
					// Explicitly denied by "exports": treated as unresolved,
					// per spec, but distinct from "package not found".
					if opts.ExplainResolve {
						res.UnresolvedImports = append(res.UnresolvedImports, UnresolvedImport{File: file, Specifier: spec, Line: imp.Line, Column: imp.Column})
					}
				case graphmodel.ResolveUnresolved:
					if opts.ExplainResolve {
						res.UnresolvedImports = append(res.UnresolvedImports, UnresolvedImport{File: file, Specifier: spec, Line: imp.Line, Column: imp.Column})
					}
				}
				continue
			}

			// Relative/absolute import: resolve within project source only.
			result := modResolver.Resolve(spec, file, imp.Kind, opts.Conditions)
			if result.ResolvedFilePath == "" {
				res.HasUnknownImports = true
				if opts.ExplainResolve {
					res.UnresolvedImports = append(res.UnresolvedImports, UnresolvedImport{File: file, Specifier: spec, Line: imp.Line, Column: imp.Column})
				}
				continue
			}
			if resolvemodule.IsInsideDependency(result.ResolvedFilePath) {
				// File resolution landed inside node_modules; reachability
				// stops at package granularity, so this is not traversed
				// further as project source.
				continue
			}
			if !visited[result.ResolvedFilePath] {
				queue = append(queue, result.ResolvedFilePath)
			}
		}
	}

	for id, traces := range seededNodes {
		rec := recordFor(res, id)
		addTraces(rec, traces)
	}

	propagate(graph, seededNodes, res)

	return res, nil
}

// recordFor returns (creating if necessary) the NodeEvidence for id.
func recordFor(res *Result, id graphmodel.NodeID) *NodeEvidence {
	rec, ok := res.ByNodeID[id]
	if !ok {
		rec = &NodeEvidence{}
		res.ByNodeID[id] = rec
	}
	return rec
}

// addTraces appends each of names to rec's traces, skipping ones already
// present, up to the per-node trace cap.
func addTraces(rec *NodeEvidence, names []string) {
	seen := make(map[string]bool)
	for _, t := range rec.Traces {
		seen[t] = true
	}
	for _, n := range names {
		if seen[n] || len(rec.Traces) >= maxTracesPerNode {
			continue
		}
		rec.Traces = append(rec.Traces, n)
		seen[n] = true
	}
}

// propagate performs a BFS across graph.EdgesByFrom starting from every
// seeded node, growing each child's traces by appending its own name to
// each of its parent's traces. A visited set keyed on node id breaks
// cycles.
func propagate(graph *graphmodel.DepGraph, seededNodes map[graphmodel.NodeID][]string, res *Result) {
	visited := make(map[graphmodel.NodeID]bool)
	var queue []graphmodel.NodeID
	for id := range seededNodes {
		queue = append(queue, id)
		visited[id] = true
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parentRec := res.ByNodeID[cur]
		if parentRec == nil {
			continue
		}

		for _, edge := range graph.EdgesByFrom[cur] {
			child := graph.Nodes[edge.To]
			if child == nil {
				continue
			}
			childRec := recordFor(res, edge.To)
			grown := make([]string, 0, len(parentRec.Traces))
			for _, t := range parentRec.Traces {
				grown = append(grown, t+"."+child.Name)
			}
			if len(grown) == 0 {
				grown = []string{child.Name}
			}
			addTraces(childRec, grown)

			if !visited[edge.To] {
				visited[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}
}

// discoverEntries resolves explicitEntries to absolute paths if given,
// otherwise consults the root manifest's main/bin/exports fields and a set
// of conventional index paths.
func discoverEntries(root string, fsys fs.FS, explicitEntries []string) []string {
	if len(explicitEntries) > 0 {
		out := make([]string, len(explicitEntries))
		for i, e := range explicitEntries {
			if filepath.IsAbs(e) {
				out[i] = e
			} else {
				out[i] = filepath.Join(root, e)
			}
		}
		return out
	}

	var entries []string
	if pkg, ok := readManifest(root, fsys); ok {
		if pkg.Main != "" {
			entries = append(entries, filepath.Join(root, pkg.Main))
		}
		for _, v := range pkg.Bin {
			if v != "" {
				entries = append(entries, filepath.Join(root, v))
			}
		}
		if s, ok := pkg.Exports.(string); ok && s != "" {
			entries = append(entries, filepath.Join(root, s))
		}
		if m, ok := pkg.Exports.(map[string]any); ok {
			if dot, ok := m["."]; ok {
				if target, outcome := nodeexports.Resolve(pkg.Exports, ".", []string{"node", "import", "require", "default"}); outcome == nodeexports.Resolved {
					entries = append(entries, filepath.Join(root, target))
				} else if s, ok := dot.(string); ok {
					entries = append(entries, filepath.Join(root, s))
				}
			}
		}
	}

	for _, conv := range []string{
		"src/index.ts", "src/index.tsx", "src/index.js", "src/index.jsx",
		"index.ts", "index.js",
	} {
		entries = append(entries, filepath.Join(root, conv))
	}

	return dedupeExisting(entries, fsys)
}

func dedupeExisting(entries []string, fsys fs.FS) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		if _, err := fs.Stat(fsys, toFSPath(e)); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

type packageManifest struct {
	Main    string
	Bin     map[string]string
	Exports any
}

func readManifest(root string, fsys fs.FS) (packageManifest, bool) {
	path := toFSPath(filepath.Join(root, "package.json"))
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return packageManifest{}, false
	}

	var raw struct {
		Main    string          `json:"main"`
		Bin     json.RawMessage `json:"bin"`
		Exports any             `json:"exports"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("reachability: malformed package.json at %s: %v", path, err)
		return packageManifest{}, false
	}

	pkg := packageManifest{Main: raw.Main, Exports: raw.Exports}
	if len(raw.Bin) > 0 {
		var asString string
		if err := json.Unmarshal(raw.Bin, &asString); err == nil {
			pkg.Bin = map[string]string{"": asString}
		} else {
			var asMap map[string]string
			if err := json.Unmarshal(raw.Bin, &asMap); err == nil {
				pkg.Bin = asMap
			}
		}
	}
	return pkg, true
}

func toFSPath(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}
