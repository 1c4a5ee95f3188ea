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

// Package graphmodel defines the provider-agnostic dependency graph that
// every lockfile provider (npm, pnpm, yarn) produces and every downstream
// component (reachability, scanning, remediation) consumes.
//
// The graph is a plain value: nodes and edges are addressed by NodeID, never
// by pointer, so it stays trivially serializable. Resolver behaviour (which
// is package-manager specific and not serializable, since it closes over
// on-disk layout) is attached separately via the Resolver interface rather
// than stored as a callback field on the graph itself.
package graphmodel

// NodeID addresses a PackageNode within one DepGraph. IDs are only stable
// within the graph that produced them.
type NodeID int

// Source identifies where a PackageNode's contents come from.
type Source string

// Recognised PackageNode sources.
const (
	SourceRegistry  Source = "registry"
	SourceWorkspace Source = "workspace"
	SourceLink      Source = "link"
	SourceFile      Source = "file"
	SourceGit       Source = "git"
	SourcePatch     Source = "patch"
	SourcePortal    Source = "portal"
	SourceUnknown   Source = "unknown"
)

// UnknownVersion is the sentinel used when a node's concrete version could
// not be determined (e.g. a link/workspace dependency without its own
// manifest).
const UnknownVersion = "0.0.0"

// Flags records the dependency-type flags under which a node was ever
// reached. A node installed once but depended on both as a prod and a dev
// dependency (from different parents) keeps both flags set.
type Flags struct {
	Dev      bool
	Optional bool
	Peer     bool
}

// PackageNode is one installed (or lockfile-declared) package instance.
//
// (Name, Version, Source, Location) uniquely identifies a node within a
// graph; two installations of the same name@version at different locations
// are distinct nodes.
type PackageNode struct {
	ID       NodeID
	Name     string
	Version  string
	Location string
	Source   Source
	Flags    Flags

	PURL      string
	Integrity string
	Resolved  string
}

// DependencyType classifies a DependencyEdge.
type DependencyType string

// Recognised dependency types.
const (
	DepProd     DependencyType = "prod"
	DepDev      DependencyType = "dev"
	DepOptional DependencyType = "optional"
	DepPeer     DependencyType = "peer"
)

// DependencyEdge is a directed edge from a parent to a child node, annotated
// with the specifier ("name") the parent used to request the child.
type DependencyEdge struct {
	From NodeID
	To   NodeID
	Name string
	Type DependencyType
}

// key returns the 4-tuple identity used to collapse duplicate edges.
func (e DependencyEdge) key() DependencyEdge {
	return DependencyEdge{From: e.From, To: e.To, Name: e.Name, Type: e.Type}
}

// ImportKind distinguishes how a source file referenced a specifier.
type ImportKind string

// Recognised import kinds.
const (
	ImportESM     ImportKind = "esm-import"
	ImportCJS     ImportKind = "cjs-require"
	ImportDynamic ImportKind = "esm-dynamic-import"
)

// ResolveOutcome is the tri-state result of Resolver.ResolvePackage.
type ResolveOutcome int

const (
	// ResolveUnresolved means the specifier could not be resolved to any
	// installed package (the "undefined" case in the spec).
	ResolveUnresolved ResolveOutcome = iota
	// ResolveBlocked means resolution was explicitly denied, e.g. a subpath
	// not declared in the target package's "exports" map (the "null" case).
	ResolveBlocked
	// ResolveOK means resolution succeeded.
	ResolveOK
)

// Resolver is the package-manager-specific resolution behaviour paired with
// a DepGraph. It is intentionally not a field on DepGraph: resolvers close
// over on-disk state (node_modules layout, manifests) that must not be
// treated as part of the serializable graph value.
type Resolver interface {
	// ResolvePackage resolves a bare specifier referenced from fromFile to a
	// node in the graph, honouring the given import kind and conditions.
	ResolvePackage(specifier, fromFile string, kind ImportKind, conditions []string) (NodeID, ResolveOutcome)

	// ResolveCandidates returns every node that could plausibly satisfy
	// specifier from fromFile, for ambiguous multi-importer situations.
	// May return nil if the resolver has nothing to add beyond ResolvePackage.
	ResolveCandidates(specifier, fromFile string, kind ImportKind, conditions []string) []NodeID

	// ResolveInternalImport expands a "#foo" internal import into the bare
	// specifier it should be treated as having referenced, per the nearest
	// package.json's "imports" field. ok is false if there is no match.
	ResolveInternalImport(specifier, fromFile string, conditions []string) (expanded string, ok bool)
}

// DepGraph is the normalized, multi-importer dependency graph produced by a
// lockfile provider.
type DepGraph struct {
	RootID NodeID

	Nodes map[NodeID]*PackageNode

	// Edges is the ordered, deduplicated edge list.
	Edges []DependencyEdge

	// EdgesByFrom is a precomputed adjacency list for BFS traversal.
	EdgesByFrom map[NodeID][]DependencyEdge

	// RootDirectNodeIDs are the nodes directly depended on by RootID.
	RootDirectNodeIDs map[NodeID]struct{}

	// Importers maps a workspace key (e.g. "." or "packages/a") to the node
	// representing that workspace member. Single-project graphs populate
	// this with just {".": RootID}.
	Importers map[string]NodeID

	edgeSeen map[DependencyEdge]struct{}
	nextID   NodeID
}

// NewDepGraph creates an empty graph with the given root node already added.
func NewDepGraph(root *PackageNode) *DepGraph {
	g := &DepGraph{
		Nodes:             make(map[NodeID]*PackageNode),
		EdgesByFrom:       make(map[NodeID][]DependencyEdge),
		RootDirectNodeIDs: make(map[NodeID]struct{}),
		Importers:         make(map[string]NodeID),
		edgeSeen:          make(map[DependencyEdge]struct{}),
	}
	root.ID = g.nextID
	g.nextID++
	g.RootID = root.ID
	g.Nodes[root.ID] = root
	g.Importers["."] = root.ID
	return g
}

// AddNode inserts a new node and assigns it a fresh NodeID, returning it.
func (g *DepGraph) AddNode(n *PackageNode) NodeID {
	n.ID = g.nextID
	g.nextID++
	g.Nodes[n.ID] = n
	return n.ID
}

// AddEdge records a dependency edge, collapsing exact duplicates. from and to
// must already exist in the graph.
func (g *DepGraph) AddEdge(e DependencyEdge) {
	if _, ok := g.Nodes[e.From]; !ok {
		return
	}
	if _, ok := g.Nodes[e.To]; !ok {
		return
	}
	k := e.key()
	if _, dup := g.edgeSeen[k]; dup {
		return
	}
	g.edgeSeen[k] = struct{}{}
	g.Edges = append(g.Edges, e)
	g.EdgesByFrom[e.From] = append(g.EdgesByFrom[e.From], e)
	if e.From == g.RootID {
		g.RootDirectNodeIDs[e.To] = struct{}{}
	}
}

// NodesByNameVersion returns every node whose (Name, Version) matches.
func (g *DepGraph) NodesByNameVersion(name, version string) []*PackageNode {
	var out []*PackageNode
	for _, n := range g.Nodes {
		if n.Name == name && n.Version == version {
			out = append(out, n)
		}
	}
	return out
}

// NodesByName returns every node with the given package name.
func (g *DepGraph) NodesByName(name string) []*PackageNode {
	var out []*PackageNode
	for _, n := range g.Nodes {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

// Children returns the edges leaving node, in insertion order.
func (g *DepGraph) Children(node NodeID) []DependencyEdge {
	return g.EdgesByFrom[node]
}

// ShortestPaths returns up to max shortest paths (as node-id slices, root
// first) from the graph root to target, via a breadth-first search over
// parent edges. Used to build a Finding's "paths" field.
func (g *DepGraph) ShortestPaths(target NodeID, max int) [][]NodeID {
	if max <= 0 {
		return nil
	}
	parents := make(map[NodeID][]NodeID)
	for _, e := range g.Edges {
		parents[e.To] = append(parents[e.To], e.From)
	}

	type partial struct {
		node NodeID
		path []NodeID
	}

	var results [][]NodeID
	visitedDepth := make(map[NodeID]int)
	queue := []partial{{node: target, path: []NodeID{target}}}
	visitedDepth[target] = 0

	for len(queue) > 0 && len(results) < max {
		cur := queue[0]
		queue = queue[1:]

		if cur.node == g.RootID {
			rev := make([]NodeID, len(cur.path))
			for i, n := range cur.path {
				rev[len(cur.path)-1-i] = n
			}
			results = append(results, rev)
			continue
		}

		for _, p := range parents[cur.node] {
			if containsNode(cur.path, p) {
				continue // break cycles
			}
			d, seen := visitedDepth[p]
			nd := len(cur.path)
			if seen && d < nd {
				continue
			}
			visitedDepth[p] = nd
			newPath := make([]NodeID, len(cur.path)+1)
			copy(newPath, cur.path)
			newPath[len(cur.path)] = p
			queue = append(queue, partial{node: p, path: newPath})
		}
	}

	return results
}

func containsNode(path []NodeID, id NodeID) bool {
	for _, n := range path {
		if n == id {
			return true
		}
	}
	return false
}
