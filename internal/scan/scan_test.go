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

package scan_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/fixselect"
	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/ignorefile"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
	"github.com/ossguard/npmvulncheck/internal/scan"
)

// fakeHTTP answers QueryBatch/GetVulnByID from a fixed affected-versions
// table and a fixed vulnerability record set. A vulnerability only matches
// the package named in its record's first affected entry.
type fakeHTTP struct {
	affectedVersions map[string]map[string]bool
	vulns            map[string]*osvschema.Vulnerability
}

func (f *fakeHTTP) QueryBatch(_ context.Context, queries []osvclient.PackageQuery) ([][]osvclient.QueryMatch, error) {
	out := make([][]osvclient.QueryMatch, len(queries))
	for i, q := range queries {
		var matches []osvclient.QueryMatch
		for vulnID, versions := range f.affectedVersions {
			if v := f.vulns[vulnID]; versions[q.Version] && v != nil && v.Affected[0].Package.Name == q.Name {
				matches = append(matches, osvclient.QueryMatch{ID: vulnID, Modified: "2024-01-01T00:00:00Z"})
			}
		}
		out[i] = matches
	}
	return out, nil
}

func (f *fakeHTTP) GetVulnByID(_ context.Context, id string) (*osvschema.Vulnerability, error) {
	return f.vulns[id], nil
}

type memCache struct {
	queries map[string][]osvclient.QueryMatch
	vulns   map[string]*osvschema.Vulnerability
}

func newMemCache() *memCache {
	return &memCache{queries: map[string][]osvclient.QueryMatch{}, vulns: map[string]*osvschema.Vulnerability{}}
}

func (c *memCache) GetQuery(name, version string) ([]osvclient.QueryMatch, bool) {
	m, ok := c.queries[osvclient.PackageKey(name, version)]
	return m, ok
}

func (c *memCache) PutQuery(name, version string, matches []osvclient.QueryMatch) error {
	c.queries[osvclient.PackageKey(name, version)] = matches
	return nil
}

func (c *memCache) GetVuln(id, modified string) (*osvschema.Vulnerability, bool) {
	v, ok := c.vulns[id+"@"+modified]
	return v, ok
}

func (c *memCache) NewestVuln(id string) (*osvschema.Vulnerability, bool) {
	for _, v := range c.vulns {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

func (c *memCache) PutVuln(v *osvschema.Vulnerability) error {
	c.vulns[v.ID+"@"+v.Modified] = v
	return nil
}

type fakeRegistry struct{}

func (fakeRegistry) Versions(context.Context, string) ([]string, error) { return nil, nil }

func buildGraph() *graphmodel.DepGraph {
	g := graphmodel.NewDepGraph(&graphmodel.PackageNode{Name: "(root)", Version: "0.0.0"})
	a := &graphmodel.PackageNode{Name: "pkg-a", Version: "1.0.0", Source: graphmodel.SourceRegistry}
	aID := g.AddNode(a)
	b := &graphmodel.PackageNode{Name: "pkg-b", Version: "1.0.0", Source: graphmodel.SourceRegistry}
	bID := g.AddNode(b)
	g.AddEdge(graphmodel.DependencyEdge{From: g.RootID, To: aID, Name: "pkg-a", Type: graphmodel.DepProd})
	g.AddEdge(graphmodel.DependencyEdge{From: g.RootID, To: bID, Name: "pkg-b", Type: graphmodel.DepProd})
	return g
}

func criticalVuln(id, pkg string, fixed string) *osvschema.Vulnerability {
	var events []osvschema.Event
	events = append(events, osvschema.Event{Introduced: "0"})
	if fixed != "" {
		events = append(events, osvschema.Event{Fixed: fixed})
	}
	return &osvschema.Vulnerability{
		ID:       id,
		Modified: "2024-01-01T00:00:00Z",
		Severity: []osvschema.Severity{{
			Type:  osvschema.SeverityCVSSV3,
			Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
		}},
		Affected: []osvschema.Affected{{
			Package: osvschema.Package{Name: pkg, Ecosystem: "npm"},
			Ranges:  []osvschema.Range{{Type: osvschema.RangeSemVer, Events: events}},
		}},
	}
}

func unscoredVuln(id, pkg string) *osvschema.Vulnerability {
	return &osvschema.Vulnerability{
		ID:       id,
		Modified: "2024-01-01T00:00:00Z",
		Affected: []osvschema.Affected{{
			Package: osvschema.Package{Name: pkg, Ecosystem: "npm"},
		}},
	}
}

func newTestProvider() (*osvclient.Provider, *fixselect.Selector) {
	http := &fakeHTTP{
		affectedVersions: map[string]map[string]bool{
			"GHSA-a": {"1.0.0": true, "1.1.0": false},
			"GHSA-b": {"1.0.0": true},
		},
		vulns: map[string]*osvschema.Vulnerability{
			"GHSA-a": criticalVuln("GHSA-a", "pkg-a", "1.1.0"),
			"GHSA-b": unscoredVuln("GHSA-b", "pkg-b"),
		},
	}
	p := osvclient.New(false, http, newMemCache(), fakeRegistry{})
	return p, fixselect.NewSelector(p)
}

func TestRun_PrioritizesBySeverityAndSortsDescending(t *testing.T) {
	provider, selector := newTestProvider()
	pc := &lockfile.ProviderContext{
		Detect: lockfile.DetectResult{Manager: lockfile.ManagerNPM},
		Graph:  buildGraph(),
	}

	res, err := scan.Run(context.Background(), fstest.MapFS{}, pc, provider, selector, scan.Config{
		Root: "project",
		Mode: lockfile.ModeLockfile,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(res.Findings))
	}
	if res.Findings[0].VulnID != "GHSA-a" {
		t.Errorf("Findings[0].VulnID = %q, want GHSA-a (higher severity must sort first)", res.Findings[0].VulnID)
	}
	if res.Findings[0].Priority.Score <= res.Findings[1].Priority.Score {
		t.Errorf("expected GHSA-a's score (%d) > GHSA-b's score (%d)", res.Findings[0].Priority.Score, res.Findings[1].Priority.Score)
	}
	if res.Findings[0].Priority.Level != scan.LevelHigh {
		t.Errorf("GHSA-a priority level = %q, want high", res.Findings[0].Priority.Level)
	}

	af := res.Findings[0].Affected
	if len(af) != 1 || af[0].Fix == nil || af[0].Fix.FixedVersion != "1.1.0" {
		t.Errorf("GHSA-a affected/fix = %+v, want fixedVersion=1.1.0", af)
	}
}

func TestRun_IgnorePolicyFiltersFindings(t *testing.T) {
	provider, selector := newTestProvider()
	pc := &lockfile.ProviderContext{
		Detect: lockfile.DetectResult{Manager: lockfile.ManagerNPM},
		Graph:  buildGraph(),
	}
	fsys := fstest.MapFS{
		"project/" + ignorefile.DefaultName: {Data: []byte(`{"ignore":[{"id":"GHSA-b"}]}`)},
	}

	res, err := scan.Run(context.Background(), fsys, pc, provider, selector, scan.Config{
		Root: "project",
		Mode: lockfile.ModeLockfile,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Findings) != 1 || res.Findings[0].VulnID != "GHSA-a" {
		t.Fatalf("got %+v, want only GHSA-a (GHSA-b ignored)", res.Findings)
	}
}

func TestRun_SeverityThresholdFilter(t *testing.T) {
	provider, selector := newTestProvider()
	pc := &lockfile.ProviderContext{
		Detect: lockfile.DetectResult{Manager: lockfile.ManagerNPM},
		Graph:  buildGraph(),
	}

	res, err := scan.Run(context.Background(), fstest.MapFS{}, pc, provider, selector, scan.Config{
		Root:              "project",
		Mode:              lockfile.ModeLockfile,
		SeverityThreshold: "critical",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].VulnID != "GHSA-a" {
		t.Fatalf("got %+v, want only GHSA-a at threshold=critical", res.Findings)
	}
}
