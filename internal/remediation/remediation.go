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

// Package remediation is the remediation planner (component C10): it
// converts a scan.Result into a RemediationPlan of override and/or
// direct-upgrade operations under a configured policy.
package remediation

import (
	"fmt"
	"sort"
	"strings"

	"deps.dev/util/semver"
	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/scan"
	xsemver "golang.org/x/mod/semver"
)

// Strategy selects how findings are converted into operations.
type Strategy string

// Recognised strategies. InPlace currently aliases Auto: a true in-place
// resolver would re-resolve the dependency graph against a resolution
// client, which this spec's lockfile/installed-tree providers don't offer.
const (
	StrategyOverride Strategy = "override"
	StrategyDirect   Strategy = "direct"
	StrategyAuto     Strategy = "auto"
	StrategyInPlace  Strategy = "in-place"
)

// Scope selects how override candidates are keyed.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeByParent Scope = "by-parent"
)

// UpgradeLevel is the maximum semver level of upgrade a fix is allowed to
// take, mirroring the teacher's upgrade.Level/Allows shape but collapsed to
// a single policy-wide ceiling rather than a per-package config map, since
// spec.md §6.5 specifies one upgradeLevel value per run.
type UpgradeLevel int

const (
	UpgradeLevelPatch UpgradeLevel = iota
	UpgradeLevelMinor
	UpgradeLevelMajor
	UpgradeLevelAny
)

// Allows reports whether diff is permitted under this ceiling. Major and Any
// behave identically: semver.Diff has no level above major, so "any" only
// differs from "major" in intent, not in what it permits here.
func (l UpgradeLevel) Allows(diff semver.Diff) bool {
	if diff == semver.Same {
		return true
	}
	switch l {
	case UpgradeLevelAny, UpgradeLevelMajor:
		return true
	case UpgradeLevelMinor:
		return diff != semver.DiffMajor
	case UpgradeLevelPatch:
		return diff != semver.DiffMajor && diff != semver.DiffMinor
	default:
		return false
	}
}

// Policy is the embedder-supplied remediation configuration (spec.md §6.5).
type Policy struct {
	Strategy           Strategy
	Scope              Scope
	UpgradeLevel       UpgradeLevel
	OnlyReachable      bool
	IncludeUnreachable bool
	Relock             bool
	Verify             bool
}

// ChangeScope identifies which manifest location a Change targets. An empty
// Parent means global scope.
type ChangeScope struct {
	Parent        string
	ParentVersion string
}

func (s ChangeScope) String() string {
	if s.Parent == "" {
		return string(ScopeGlobal)
	}
	if s.ParentVersion == "" {
		return s.Parent
	}
	return s.Parent + "@" + s.ParentVersion
}

// Change is one manifest-level version pin, either global or scoped to a
// parent package.
type Change struct {
	Package string
	From    string // joined, sorted "from" versions
	To      string
	Scope   ChangeScope
	Why     string // sorted vuln ids, with an optional "(reachable)" marker
}

// OperationKind is the tag of RemediationPlan's typed operation union.
type OperationKind string

const (
	OpManifestOverride     OperationKind = "manifest-override"
	OpManifestDirectUpgrade OperationKind = "manifest-direct-upgrade"
	OpRelock                OperationKind = "relock"
	OpVerify                OperationKind = "verify"
)

// Dependency manifest fields a manifest-direct-upgrade operation may target.
const (
	FieldDependencies         = "dependencies"
	FieldDevDependencies      = "devDependencies"
	FieldOptionalDependencies = "optionalDependencies"
)

// Operation is one step of a RemediationPlan.
type Operation struct {
	Kind    OperationKind
	Changes []Change // populated for OpManifestOverride / OpManifestDirectUpgrade
	Field   string    // dependency field, for OpManifestDirectUpgrade
	Command string    // install invocation, for OpRelock
}

// Fixes summarizes a plan's expected effect on the finding set. Remaining
// and Introduced are populated by C9/C11 after an apply+verify cycle;
// before that they reflect the planner's own prediction.
type Fixes struct {
	FixedVulnerabilities      []string
	RemainingVulnerabilities  []string
	IntroducedVulnerabilities []string
}

// Summary is the plan's single top-line risk assessment.
type Summary struct {
	Risk      string // low, medium, high
	Rationale string
}

// Plan is the remediation planner's output (spec.md §3's RemediationPlan).
type Plan struct {
	Strategy       Strategy
	PackageManager lockfile.Manager
	Target         string
	Operations     []Operation
	Fixes          Fixes
	Summary        Summary
}

// candidate accumulates an override's merged version/from-set/vuln-set
// across every finding contributing to it.
type candidate struct {
	pkg        string
	scope      ChangeScope
	to         string
	fromVers   map[string]bool
	vulnIDs    map[string]bool
	reachable  bool
}

// Run builds a RemediationPlan for result under policy, using graph to
// infer direct-dependency status and parent scope from each affected
// entry's recorded paths.
func Run(graph *graphmodel.DepGraph, manager lockfile.Manager, target string, result *scan.Result, policy Policy) (*Plan, error) {
	strategy := policy.Strategy
	if strategy == StrategyInPlace {
		strategy = StrategyAuto
	}

	var operations []Operation
	vulnCovered := make(map[string]bool)
	vulnUnresolved := make(map[string]bool)
	allVulnIDs := make(map[string]bool)

	runOverride := strategy == StrategyOverride || strategy == StrategyAuto
	runDirect := strategy == StrategyDirect || strategy == StrategyAuto

	if runOverride {
		op, covered, unresolved := planOverride(graph, result, policy)
		if op != nil {
			operations = append(operations, *op)
		}
		mergeStatus(vulnCovered, covered)
		mergeStatus(vulnUnresolved, unresolved)
	}

	if runDirect {
		ops, covered, unresolved := planDirect(graph, result, policy)
		operations = append(operations, ops...)
		mergeStatus(vulnCovered, covered)
		mergeStatus(vulnUnresolved, unresolved)
	}

	for _, f := range result.Findings {
		allVulnIDs[f.VulnID] = true
	}

	if policy.Relock {
		cmd, err := relockCommand(manager)
		if err != nil {
			return nil, err
		}
		operations = append(operations, Operation{Kind: OpRelock, Command: cmd})
	}
	if policy.Verify {
		operations = append(operations, Operation{Kind: OpVerify})
	}

	fixes := computeFixes(allVulnIDs, vulnCovered, vulnUnresolved)

	return &Plan{
		Strategy:       strategy,
		PackageManager: manager,
		Target:         target,
		Operations:     operations,
		Fixes:          fixes,
		Summary:        computeSummary(operations),
	}, nil
}

func mergeStatus(dst, src map[string]bool) {
	for k, v := range src {
		if v {
			dst[k] = true
		}
	}
}

// computeFixes implements spec.md §4.10's "a vuln is reported fixed iff
// covered and not unresolved" rule.
func computeFixes(all, covered, unresolved map[string]bool) Fixes {
	var fixed, remaining []string
	for id := range all {
		if covered[id] && !unresolved[id] {
			fixed = append(fixed, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(fixed)
	sort.Strings(remaining)
	return Fixes{FixedVulnerabilities: fixed, RemainingVulnerabilities: remaining}
}

// planOverride implements the "override" strategy: transitive-only,
// candidates keyed on (packageName, scope), merged monotonically.
func planOverride(graph *graphmodel.DepGraph, result *scan.Result, policy Policy) (*Operation, map[string]bool, map[string]bool) {
	candidates := make(map[string]*candidate)
	covered := make(map[string]bool)
	unresolved := make(map[string]bool)

	for _, f := range result.Findings {
		for _, a := range f.Affected {
			if _, direct := graph.RootDirectNodeIDs[a.Package.ID]; direct {
				continue // direct dependencies are blocked under override
			}
			if policy.OnlyReachable && a.Reachability != scan.ReachabilityReachable && a.Reachability != "" {
				continue
			}

			ok, reason := eligible(a, policy)
			if !ok {
				if reason != "" {
					unresolved[f.VulnID] = true
				}
				continue
			}

			scopeKey := inferScope(graph, a, policy.Scope)
			key := a.Package.Name + "|" + scopeKey.String()
			c, found := candidates[key]
			if !found {
				c = &candidate{pkg: a.Package.Name, scope: scopeKey, to: a.Fix.FixedVersion, fromVers: map[string]bool{}, vulnIDs: map[string]bool{}}
				candidates[key] = c
			}
			if versionCompare(a.Fix.FixedVersion, c.to) > 0 {
				c.to = a.Fix.FixedVersion
			}
			c.fromVers[a.Package.Version] = true
			c.vulnIDs[f.VulnID] = true
			if a.Reachability == scan.ReachabilityReachable {
				c.reachable = true
			}
			covered[f.VulnID] = true
		}
	}

	if len(candidates) == 0 {
		return nil, covered, unresolved
	}

	changes := changesFromCandidates(candidates)
	return &Operation{Kind: OpManifestOverride, Changes: changes}, covered, unresolved
}

// planDirect implements the "direct" strategy: one manifest-direct-upgrade
// operation per dependency field, direct dependencies only.
func planDirect(graph *graphmodel.DepGraph, result *scan.Result, policy Policy) ([]Operation, map[string]bool, map[string]bool) {
	byField := map[string]map[string]*candidate{
		FieldDependencies:         {},
		FieldDevDependencies:      {},
		FieldOptionalDependencies: {},
	}
	covered := make(map[string]bool)
	unresolved := make(map[string]bool)

	for _, f := range result.Findings {
		for _, a := range f.Affected {
			if _, direct := graph.RootDirectNodeIDs[a.Package.ID]; !direct {
				continue // direct strategy only touches direct dependencies
			}
			if policy.OnlyReachable && a.Reachability != scan.ReachabilityReachable && a.Reachability != "" {
				continue
			}

			ok, reason := eligible(a, policy)
			if !ok {
				if reason != "" {
					unresolved[f.VulnID] = true
				}
				continue
			}

			field := dependencyField(a.Package)
			c, found := byField[field][a.Package.Name]
			if !found {
				c = &candidate{pkg: a.Package.Name, to: a.Fix.FixedVersion, fromVers: map[string]bool{}, vulnIDs: map[string]bool{}}
				byField[field][a.Package.Name] = c
			}
			if versionCompare(a.Fix.FixedVersion, c.to) > 0 {
				c.to = a.Fix.FixedVersion
			}
			c.fromVers[a.Package.Version] = true
			c.vulnIDs[f.VulnID] = true
			if a.Reachability == scan.ReachabilityReachable {
				c.reachable = true
			}
			covered[f.VulnID] = true
		}
	}

	var ops []Operation
	for _, field := range []string{FieldDependencies, FieldDevDependencies, FieldOptionalDependencies} {
		if len(byField[field]) == 0 {
			continue
		}
		ops = append(ops, Operation{Kind: OpManifestDirectUpgrade, Field: field, Changes: changesFromCandidates(byField[field])})
	}

	return ops, covered, unresolved
}

// eligible reports whether an affected entry can produce an override/direct
// candidate: it must have a fix, the fix must not be a downgrade, and it
// must respect the configured upgrade level. reason is non-empty when
// ineligibility should count toward a vuln's "unresolved" status (i.e. a
// fix existed but could not be used), as opposed to simply having no fix.
func eligible(a scan.AffectedEntry, policy Policy) (ok bool, reason string) {
	if a.Fix == nil {
		return false, ""
	}
	if versionCompare(a.Fix.FixedVersion, a.Package.Version) < 0 {
		return false, "downgrade"
	}
	diff := versionDiff(a.Package.Version, a.Fix.FixedVersion)
	if !policy.UpgradeLevel.Allows(diff) {
		return false, "upgrade-level"
	}
	return true, ""
}

// inferScope implements spec.md §4.10's "scope inference": the parent of an
// affected entry is the penultimate element of its (first) path;
// importer/root nodes are skipped. Falls back to global when scope is
// by-parent but no qualified parent exists.
func inferScope(graph *graphmodel.DepGraph, a scan.AffectedEntry, scope Scope) ChangeScope {
	if scope != ScopeByParent {
		return ChangeScope{}
	}
	for _, path := range a.Paths {
		if len(path) < 2 {
			continue
		}
		parentID := path[len(path)-2]
		if isImporterNode(graph, parentID) {
			continue
		}
		parent := graph.Nodes[parentID]
		if parent == nil {
			continue
		}
		return ChangeScope{Parent: parent.Name, ParentVersion: parent.Version}
	}
	return ChangeScope{}
}

func isImporterNode(graph *graphmodel.DepGraph, id graphmodel.NodeID) bool {
	if id == graph.RootID {
		return true
	}
	for _, importerID := range graph.Importers {
		if importerID == id {
			return true
		}
	}
	return false
}

func dependencyField(n *graphmodel.PackageNode) string {
	switch {
	case n.Flags.Optional:
		return FieldOptionalDependencies
	case n.Flags.Dev:
		return FieldDevDependencies
	default:
		return FieldDependencies
	}
}

// changesFromCandidates renders accumulated candidates into sorted Changes.
func changesFromCandidates(candidates map[string]*candidate) []Change {
	changes := make([]Change, 0, len(candidates))
	for _, c := range candidates {
		froms := sortedKeys(c.fromVers)
		vulnIDs := sortedKeys(c.vulnIDs)
		why := strings.Join(vulnIDs, ", ")
		if c.reachable {
			why += " (reachable)"
		}
		changes = append(changes, Change{
			Package: c.pkg,
			From:    strings.Join(froms, ", "),
			To:      c.to,
			Scope:   c.scope,
			Why:     why,
		})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Package != changes[j].Package {
			return changes[i].Package < changes[j].Package
		}
		return changes[i].Scope.String() < changes[j].Scope.String()
	})
	return changes
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// computeSummary implements spec.md §4.10's risk rule: low if any by-parent
// override or the plan is direct-only; medium if global overrides are
// present; high if no changes were generated at all.
func computeSummary(operations []Operation) Summary {
	totalChanges := 0
	hasByParent := false
	hasGlobalOverride := false
	hasOverrideOp := false

	for _, op := range operations {
		if op.Kind != OpManifestOverride && op.Kind != OpManifestDirectUpgrade {
			continue
		}
		totalChanges += len(op.Changes)
		if op.Kind == OpManifestOverride {
			hasOverrideOp = true
			for _, c := range op.Changes {
				if c.Scope.Parent != "" {
					hasByParent = true
				} else {
					hasGlobalOverride = true
				}
			}
		}
	}

	switch {
	case totalChanges == 0:
		return Summary{Risk: "high", Rationale: "no remediation changes could be generated"}
	case hasByParent || !hasOverrideOp:
		return Summary{Risk: "low", Rationale: "changes are scoped to direct dependencies or parent-specific overrides"}
	case hasGlobalOverride:
		return Summary{Risk: "medium", Rationale: "plan includes global version overrides affecting all consumers of a package"}
	default:
		return Summary{Risk: "low", Rationale: "changes are narrowly scoped"}
	}
}

func relockCommand(manager lockfile.Manager) (string, error) {
	switch manager {
	case lockfile.ManagerNPM:
		return "npm install --package-lock-only", nil
	case lockfile.ManagerPNPM:
		return "pnpm install --lockfile-only", nil
	case lockfile.ManagerYarn:
		return "yarn install --mode=update-lockfile", nil
	default:
		return "", fmt.Errorf("remediation: no relock command for manager %q", manager)
	}
}

// versionCompare mirrors fixselect's comparator: npm-aware parser first,
// then golang.org/x/mod/semver for stricter MAJOR.MINOR.PATCH strings, then
// a lexicographic compare as the last resort.
func versionCompare(a, b string) int {
	_, errA := semver.NPM.Parse(a)
	_, errB := semver.NPM.Parse(b)
	if errA == nil && errB == nil {
		return semver.NPM.Compare(a, b)
	}

	va, vb := canonicalForXMod(a), canonicalForXMod(b)
	if xsemver.IsValid(va) && xsemver.IsValid(vb) {
		return xsemver.Compare(va, vb)
	}

	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func canonicalForXMod(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func versionDiff(a, b string) semver.Diff {
	_, diff, err := semver.NPM.Difference(a, b)
	if err != nil {
		return semver.DiffMajor // unparsable: treat conservatively as the largest jump
	}
	return diff
}
