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

// Package scan is the scan orchestrator (component C9): it composes the
// lockfile graph, reachability analysis, vulnerability provider and fix
// selector into one sorted ScanResult.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/fixselect"
	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/ignorefile"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
	"github.com/ossguard/npmvulncheck/internal/reachability"
	"github.com/ossguard/npmvulncheck/internal/severity"
)

// maxPaths is the cap on root-to-node paths recorded per affected entry.
const maxPaths = 3

// Reachability levels for a Finding's affected entry.
const (
	ReachabilityReachable           = "reachable"
	ReachabilityTransitiveUnreachable = "transitive-unreachable"
	ReachabilityUnknown              = "unknown"
)

// Priority levels and reasons, per spec.md's priority-rules table.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"

	ReasonReachable           = "reachable"
	ReasonUnknownReachability = "unknown-reachability"
	ReasonUnreachable         = "unreachable"
	ReasonSeverity            = "severity"
)

// Config is the scan's embedder-supplied configuration (spec.md §6.5).
type Config struct {
	Root               string
	Mode               lockfile.Mode
	Entries            []string
	Conditions         []string
	IncludeTypeImports bool
	ExplainResolve     bool
	IncludeDev         bool
	SeverityThreshold  string // low, medium, high, critical; "" disables the filter
	Offline            bool
	IgnoreFilePath     string // defaults to ignorefile.DefaultName under Root if empty
}

// AffectedEntry is one package instance affected by a Finding.
type AffectedEntry struct {
	Package      *graphmodel.PackageNode
	Paths        [][]graphmodel.NodeID
	Reachability string // one of the Reachability* consts, "" if not computed (non-source mode)
	Fix          *fixselect.Fix
}

// Priority is a Finding's computed scan priority.
type Priority struct {
	Level  string
	Reason string
	Score  int
}

// Finding is one vulnerability as it lands on the project.
type Finding struct {
	VulnID    string
	Aliases   []string
	Summary   string
	Details   string
	Severity  []osvschema.Severity
	Modified  string
	Published string
	Affected  []AffectedEntry
	Priority  Priority
}

// SourceAnalysis summarizes the explain-resolve reachability pass.
type SourceAnalysis struct {
	UnresolvedImports []reachability.UnresolvedImport
}

// Meta describes the run that produced a ScanResult.
type Meta struct {
	Mode           lockfile.Mode
	Manager        lockfile.Manager
	Timestamp      time.Time
	SourceAnalysis *SourceAnalysis // non-nil only under explain-resolve mode
}

// Stats summarizes a ScanResult's scale.
type Stats struct {
	Nodes            int
	Edges            int
	QueriedPackages  int
	Vulnerabilities  int
}

// Result is the output of Run.
type Result struct {
	Meta     Meta
	Findings []Finding
	Stats    Stats
}

// Run executes the full C9 pipeline against an already-loaded provider
// context.
func Run(ctx context.Context, fsys fs.FS, pc *lockfile.ProviderContext, provider *osvclient.Provider, selector *fixselect.Selector, cfg Config) (*Result, error) {
	graph := pc.Graph
	if graph == nil || len(graph.Nodes) == 0 {
		// Step 1 of spec.md §4.9: synthesize a root when the provider
		// produced none.
		graph = graphmodel.NewDepGraph(&graphmodel.PackageNode{
			Name:    "(root)",
			Version: graphmodel.UnknownVersion,
			Source:  graphmodel.SourceWorkspace,
		})
	}

	var reach *reachability.Result
	if cfg.Mode == lockfile.ModeSource {
		if pc.Resolver == nil {
			return nil, fmt.Errorf("scan: source mode requires a resolver")
		}
		var err error
		reach, err = reachability.Run(ctx, cfg.Root, fsys, graph, pc.Resolver, cfg.Entries, reachability.Options{
			Conditions:         cfg.Conditions,
			IncludeTypeImports: cfg.IncludeTypeImports,
			ExplainResolve:     cfg.ExplainResolve,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: reachability: %w", err)
		}
	}

	inventory, nodesByKey := buildInventory(graph, cfg.IncludeDev)

	queries := make([]osvclient.PackageQuery, 0, len(inventory))
	for key := range inventory {
		queries = append(queries, inventory[key])
	}
	sort.Slice(queries, func(i, j int) bool {
		return osvclient.PackageKey(queries[i].Name, queries[i].Version) < osvclient.PackageKey(queries[j].Name, queries[j].Version)
	})

	matches, err := provider.QueryPackages(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("scan: query packages: %w", err)
	}

	ignorePath := cfg.IgnoreFilePath
	if ignorePath == "" {
		ignorePath = joinRoot(cfg.Root, ignorefile.DefaultName)
	}
	policy, err := ignorefile.Load(fsys, ignorePath)
	if err != nil {
		return nil, fmt.Errorf("scan: ignore policy: %w", err)
	}

	findingsByVuln := make(map[string]*Finding)
	var order []string

	for key, q := range inventory {
		for _, m := range matches[key] {
			if policy.Ignored(m.ID) {
				continue
			}

			vuln, err := provider.GetVuln(ctx, m.ID, m.Modified)
			if err != nil {
				return nil, fmt.Errorf("scan: get vuln %s: %w", m.ID, err)
			}

			f, ok := findingsByVuln[m.ID]
			if !ok {
				f = &Finding{
					VulnID:    vuln.ID,
					Aliases:   vuln.Aliases,
					Summary:   vuln.Summary,
					Details:   vuln.Details,
					Severity:  vuln.Severity,
					Modified:  vuln.Modified,
					Published: vuln.Published,
				}
				findingsByVuln[m.ID] = f
				order = append(order, m.ID)
			}

			fix, err := selector.SelectFix(ctx, vuln, q.Name, q.Version)
			if err != nil {
				return nil, fmt.Errorf("scan: fix selection for %s@%s: %w", q.Name, q.Version, err)
			}

			for _, node := range nodesByKey[key] {
				entry := AffectedEntry{
					Package: node,
					Paths:   graph.ShortestPaths(node.ID, maxPaths),
					Fix:     fix,
				}
				if cfg.Mode == lockfile.ModeSource {
					entry.Reachability = reachabilityLevel(reach, node.ID)
				}
				f.Affected = append(f.Affected, entry)
			}
		}
	}

	var findings []Finding
	for _, id := range order {
		f := findingsByVuln[id]
		f.Priority = computePriority(cfg.Mode, f)
		if !passesThreshold(f, cfg.SeverityThreshold) {
			continue
		}
		findings = append(findings, *f)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Priority.Score != findings[j].Priority.Score {
			return findings[i].Priority.Score > findings[j].Priority.Score
		}
		return findings[i].VulnID < findings[j].VulnID
	})

	meta := Meta{Mode: cfg.Mode, Manager: pc.Detect.Manager, Timestamp: time.Now()}
	if cfg.Mode == lockfile.ModeSource && cfg.ExplainResolve && reach != nil {
		meta.SourceAnalysis = &SourceAnalysis{UnresolvedImports: reach.UnresolvedImports}
	}

	return &Result{
		Meta:     meta,
		Findings: findings,
		Stats: Stats{
			Nodes:           len(graph.Nodes),
			Edges:           len(graph.Edges),
			QueriedPackages: len(inventory),
			Vulnerabilities: len(findings),
		},
	}, nil
}

// buildInventory collects every non-root, registry-sourced node passing the
// dev-inclusion policy, deduped by name@version, alongside the reverse
// mapping from that key to every node instance sharing it.
func buildInventory(graph *graphmodel.DepGraph, includeDev bool) (map[string]osvclient.PackageQuery, map[string][]*graphmodel.PackageNode) {
	inventory := make(map[string]osvclient.PackageQuery)
	nodesByKey := make(map[string][]*graphmodel.PackageNode)

	for id, n := range graph.Nodes {
		if id == graph.RootID {
			continue
		}
		if n.Source != graphmodel.SourceRegistry {
			continue
		}
		if n.Flags.Dev && !n.Flags.Optional && !n.Flags.Peer && !includeDev {
			continue
		}
		key := osvclient.PackageKey(n.Name, n.Version)
		if _, ok := inventory[key]; !ok {
			inventory[key] = osvclient.PackageQuery{Name: n.Name, Version: n.Version}
		}
		nodesByKey[key] = append(nodesByKey[key], n)
	}

	return inventory, nodesByKey
}

func reachabilityLevel(reach *reachability.Result, id graphmodel.NodeID) string {
	if reach == nil {
		return ""
	}
	ev, ok := reach.ByNodeID[id]
	if !ok || ev == nil || len(ev.Traces) == 0 {
		if reach.HasUnknownImports {
			return ReachabilityUnknown
		}
		return ReachabilityTransitiveUnreachable
	}
	return ReachabilityReachable
}

// computePriority implements spec.md §4.9's priority-rules table: Final
// score = base + severity rank (0-3).
func computePriority(mode lockfile.Mode, f *Finding) Priority {
	rank := severity.Rate(f.Severity, "")

	if mode == lockfile.ModeSource {
		hasInfo := false
		anyReachable := false
		allUnreachable := true
		anyUnknown := false
		for _, a := range f.Affected {
			switch a.Reachability {
			case ReachabilityReachable:
				hasInfo = true
				anyReachable = true
				allUnreachable = false
			case ReachabilityUnknown:
				hasInfo = true
				anyUnknown = true
				allUnreachable = false
			case ReachabilityTransitiveUnreachable:
				hasInfo = true
			default:
				// no reachability info recorded for this entry
			}
		}

		switch {
		case !hasInfo:
			return Priority{Level: rank.Level(), Reason: ReasonSeverity, Score: 20 + rank.PriorityOffset()}
		case anyReachable:
			return Priority{Level: LevelHigh, Reason: ReasonReachable, Score: 30 + rank.PriorityOffset()}
		case anyUnknown:
			return Priority{Level: LevelMedium, Reason: ReasonUnknownReachability, Score: 20 + rank.PriorityOffset()}
		case allUnreachable:
			return Priority{Level: LevelLow, Reason: ReasonUnreachable, Score: 10 + rank.PriorityOffset()}
		}
	}

	return Priority{Level: rank.Level(), Reason: ReasonSeverity, Score: 20 + rank.PriorityOffset()}
}

func passesThreshold(f *Finding, threshold string) bool {
	if threshold == "" {
		return true
	}
	min, ok := severity.RankFromLabel(threshold)
	if !ok {
		return true
	}
	rank := severity.Rate(f.Severity, "")
	return rank >= min
}

func joinRoot(root, name string) string {
	if root == "" || root == "." {
		return name
	}
	return root + "/" + name
}
