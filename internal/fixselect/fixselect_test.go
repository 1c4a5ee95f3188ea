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

package fixselect_test

import (
	"context"
	"testing"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/fixselect"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
)

// fakeProvider answers QueryPackages from a fixed affected-versions set per
// vuln ID, and ListPackageVersions from a static registry listing.
type fakeProvider struct {
	affectedVersions map[string]map[string]bool // vulnID -> version -> affected
	registry         map[string][]string        // name -> versions
	queried          []string                   // records "name@version" queried, in order
}

func (f *fakeProvider) QueryPackages(_ context.Context, pkgs []osvclient.PackageQuery) (map[string][]osvclient.QueryMatch, error) {
	out := make(map[string][]osvclient.QueryMatch)
	for _, q := range pkgs {
		key := osvclient.PackageKey(q.Name, q.Version)
		f.queried = append(f.queried, key)
		var matches []osvclient.QueryMatch
		for vulnID, versions := range f.affectedVersions {
			if versions[q.Version] {
				matches = append(matches, osvclient.QueryMatch{ID: vulnID})
			}
		}
		out[key] = matches
	}
	return out, nil
}

func (f *fakeProvider) ListPackageVersions(_ context.Context, name string) ([]string, error) {
	return f.registry[name], nil
}

func fixedVuln(id string, pkg string, fixed ...string) *osvschema.Vulnerability {
	var events []osvschema.Event
	for _, f := range fixed {
		events = append(events, osvschema.Event{Fixed: f})
	}
	return &osvschema.Vulnerability{
		ID: id,
		Affected: []osvschema.Affected{{
			Package: osvschema.Package{Name: pkg, Ecosystem: "npm"},
			Ranges:  []osvschema.Range{{Type: osvschema.RangeSemVer, Events: events}},
		}},
	}
}

// Scenario 2: fix selection verifies against OSV.
func TestSelectFix_VerifiesAgainstOSV(t *testing.T) {
	vuln := fixedVuln("GHSA-pkg-a", "pkg-a", "1.1.0", "1.2.0")
	p := &fakeProvider{affectedVersions: map[string]map[string]bool{
		"GHSA-pkg-a": {"1.1.0": true, "1.2.0": false},
	}}
	s := fixselect.NewSelector(p)

	fix, err := s.SelectFix(context.Background(), vuln, "pkg-a", "1.0.0")
	if err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	if fix == nil || fix.FixedVersion != "1.2.0" {
		t.Fatalf("got %+v, want fixedVersion=1.2.0", fix)
	}

	wantQueried := map[string]bool{"pkg-a@1.1.0": true, "pkg-a@1.2.0": true}
	for want := range wantQueried {
		found := false
		for _, q := range p.queried {
			if q == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected re-query sequence to include %s, got %v", want, p.queried)
		}
	}
}

// Scenario 3: registry fallback when no "fixed" event exists.
func TestSelectFix_RegistryFallback(t *testing.T) {
	vuln := &osvschema.Vulnerability{
		ID: "GHSA-pkg-b",
		Affected: []osvschema.Affected{{
			Package: osvschema.Package{Name: "pkg-b", Ecosystem: "npm"},
			Ranges: []osvschema.Range{{
				Type: osvschema.RangeSemVer,
				Events: []osvschema.Event{
					{Introduced: "0"},
					{LastAffected: "1.0.2"},
				},
			}},
		}},
	}
	p := &fakeProvider{
		affectedVersions: map[string]map[string]bool{
			"GHSA-pkg-b": {"1.0.0": true, "1.0.1": true, "1.0.2": true, "1.1.0": false},
		},
		registry: map[string][]string{"pkg-b": {"1.0.0", "1.0.1", "1.0.2", "1.1.0"}},
	}
	s := fixselect.NewSelector(p)

	fix, err := s.SelectFix(context.Background(), vuln, "pkg-b", "1.0.0")
	if err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	if fix == nil || fix.FixedVersion != "1.1.0" {
		t.Fatalf("got %+v, want fixedVersion=1.1.0", fix)
	}
}

// Scenario 4: no downgrade — 2.5.0 is below current and must never be chosen.
func TestSelectFix_NoDowngrade(t *testing.T) {
	vuln := fixedVuln("GHSA-pkg-c", "pkg-c", "2.5.0", "3.1.0")
	p := &fakeProvider{affectedVersions: map[string]map[string]bool{
		"GHSA-pkg-c": {"3.1.0": false},
	}}
	s := fixselect.NewSelector(p)

	fix, err := s.SelectFix(context.Background(), vuln, "pkg-c", "3.0.0")
	if err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	if fix == nil || fix.FixedVersion != "3.1.0" {
		t.Fatalf("got %+v, want fixedVersion=3.1.0 (never 2.5.0)", fix)
	}
	for _, q := range p.queried {
		if q == "pkg-c@2.5.0" {
			t.Fatalf("must never query/select a downgrade candidate, queried %v", p.queried)
		}
	}
}

func TestSelectFix_NoFixAvailable(t *testing.T) {
	vuln := &osvschema.Vulnerability{
		ID: "GHSA-nofix",
		Affected: []osvschema.Affected{{
			Package: osvschema.Package{Name: "pkg-d", Ecosystem: "npm"},
		}},
	}
	p := &fakeProvider{}
	s := fixselect.NewSelector(p)

	fix, err := s.SelectFix(context.Background(), vuln, "pkg-d", "1.0.0")
	if err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	if fix != nil {
		t.Fatalf("expected no fix, got %+v", fix)
	}
}

func TestSelectFix_Memoized(t *testing.T) {
	vuln := fixedVuln("GHSA-pkg-a", "pkg-a", "1.2.0")
	p := &fakeProvider{affectedVersions: map[string]map[string]bool{"GHSA-pkg-a": {"1.2.0": false}}}
	s := fixselect.NewSelector(p)

	if _, err := s.SelectFix(context.Background(), vuln, "pkg-a", "1.0.0"); err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	firstCount := len(p.queried)
	if _, err := s.SelectFix(context.Background(), vuln, "pkg-a", "1.0.0"); err != nil {
		t.Fatalf("SelectFix: %v", err)
	}
	if len(p.queried) != firstCount {
		t.Fatalf("expected second call to be served from cache, queried grew from %d to %d", firstCount, len(p.queried))
	}
}
