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

package osvclient_test

import (
	"context"
	"strings"
	"testing"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
)

// fakeHTTP is an in-memory HTTPClient keyed by "name@version".
type fakeHTTP struct {
	matches map[string][]osvclient.QueryMatch
	vulns   map[string]*osvschema.Vulnerability
	calls   int
}

func (f *fakeHTTP) QueryBatch(_ context.Context, queries []osvclient.PackageQuery) ([][]osvclient.QueryMatch, error) {
	f.calls++
	out := make([][]osvclient.QueryMatch, len(queries))
	for i, q := range queries {
		out[i] = f.matches[osvclient.PackageKey(q.Name, q.Version)]
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
	return &memCache{queries: make(map[string][]osvclient.QueryMatch), vulns: make(map[string]*osvschema.Vulnerability)}
}

func (c *memCache) GetQuery(name, version string) ([]osvclient.QueryMatch, bool) {
	v, ok := c.queries[osvclient.PackageKey(name, version)]
	return v, ok
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
	var best *osvschema.Vulnerability
	for key, v := range c.vulns {
		if len(key) > len(id) && key[:len(id)+1] == id+"@" {
			if best == nil || v.Modified > best.Modified {
				best = v
			}
		}
	}
	return best, best != nil
}

func (c *memCache) PutVuln(v *osvschema.Vulnerability) error {
	c.vulns[v.ID+"@"+v.Modified] = v
	return nil
}

func TestQueryPackages_OnlineDedupesAndCaches(t *testing.T) {
	http := &fakeHTTP{matches: map[string][]osvclient.QueryMatch{
		"left-pad@1.0.0": {{ID: "GHSA-xxxx", Modified: "2024-01-01T00:00:00Z"}, {ID: "GHSA-xxxx", Modified: "2024-01-01T00:00:00Z"}},
	}}
	cache := newMemCache()
	p := osvclient.New(false, http, cache, nil)

	got, err := p.QueryPackages(context.Background(), []osvclient.PackageQuery{
		{Name: "left-pad", Version: "1.0.0"},
		{Name: "left-pad", Version: "1.0.0"}, // duplicate, must be queried once
	})
	if err != nil {
		t.Fatalf("QueryPackages: %v", err)
	}
	if http.calls != 1 {
		t.Fatalf("expected 1 batch call, got %d", http.calls)
	}
	matches := got[osvclient.PackageKey("left-pad", "1.0.0")]
	if len(matches) != 1 {
		t.Fatalf("expected dedup to 1 match, got %d", len(matches))
	}

	cached, ok := cache.GetQuery("left-pad", "1.0.0")
	if !ok || len(cached) != 1 {
		t.Fatalf("expected result to be written to cache, got %+v ok=%v", cached, ok)
	}
}

func TestQueryPackages_OfflineMissReportsExamples(t *testing.T) {
	cache := newMemCache()
	p := osvclient.New(true, nil, cache, nil)

	_, err := p.QueryPackages(context.Background(), []osvclient.PackageQuery{{Name: "left-pad", Version: "1.0.0"}})
	if err == nil {
		t.Fatal("expected error for offline cache miss")
	}
	if !strings.Contains(err.Error(), "left-pad@1.0.0") {
		t.Errorf("expected error to name the missing package, got %v", err)
	}
}

func TestQueryPackages_OfflineHit(t *testing.T) {
	cache := newMemCache()
	cache.PutQuery("left-pad", "1.0.0", []osvclient.QueryMatch{{ID: "GHSA-xxxx", Modified: "2024-01-01T00:00:00Z"}})
	p := osvclient.New(true, nil, cache, nil)

	got, err := p.QueryPackages(context.Background(), []osvclient.PackageQuery{{Name: "left-pad", Version: "1.0.0"}})
	if err != nil {
		t.Fatalf("QueryPackages: %v", err)
	}
	if len(got[osvclient.PackageKey("left-pad", "1.0.0")]) != 1 {
		t.Fatalf("expected cached match, got %+v", got)
	}
}

func TestGetVuln_ExactModifiedHit(t *testing.T) {
	cache := newMemCache()
	want := &osvschema.Vulnerability{ID: "GHSA-xxxx", Modified: "2024-01-01T00:00:00Z"}
	cache.PutVuln(want)
	p := osvclient.New(true, nil, cache, nil)

	got, err := p.GetVuln(context.Background(), "GHSA-xxxx", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("GetVuln: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("got %q, want %q", got.ID, want.ID)
	}
}

func TestGetVuln_OfflineFallsBackToNewest(t *testing.T) {
	cache := newMemCache()
	cache.PutVuln(&osvschema.Vulnerability{ID: "GHSA-xxxx", Modified: "2023-01-01T00:00:00Z"})
	cache.PutVuln(&osvschema.Vulnerability{ID: "GHSA-xxxx", Modified: "2024-06-01T00:00:00Z"})
	p := osvclient.New(true, nil, cache, nil)

	got, err := p.GetVuln(context.Background(), "GHSA-xxxx", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("GetVuln: %v", err)
	}
	if got.Modified != "2024-06-01T00:00:00Z" {
		t.Errorf("expected newest cached record, got modified=%s", got.Modified)
	}
}

func TestGetVuln_OnlineFetchesAndCaches(t *testing.T) {
	cache := newMemCache()
	http := &fakeHTTP{vulns: map[string]*osvschema.Vulnerability{
		"GHSA-xxxx": {ID: "GHSA-xxxx", Modified: "2024-06-01T00:00:00Z"},
	}}
	p := osvclient.New(false, http, cache, nil)

	got, err := p.GetVuln(context.Background(), "GHSA-xxxx", "")
	if err != nil {
		t.Fatalf("GetVuln: %v", err)
	}
	if got.ID != "GHSA-xxxx" {
		t.Errorf("got %q", got.ID)
	}
	if _, ok := cache.GetVuln("GHSA-xxxx", "2024-06-01T00:00:00Z"); !ok {
		t.Error("expected fetched vuln to be cached")
	}
}

type fakeRegistry struct {
	calls    int
	versions []string
}

func (r *fakeRegistry) Versions(_ context.Context, _ string) ([]string, error) {
	r.calls++
	return r.versions, nil
}

func TestListPackageVersions_MemoizedAndOfflineEmpty(t *testing.T) {
	reg := &fakeRegistry{versions: []string{"1.0.0", "1.1.0"}}
	p := osvclient.New(false, nil, nil, reg)

	v1, err := p.ListPackageVersions(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("ListPackageVersions: %v", err)
	}
	v2, err := p.ListPackageVersions(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("ListPackageVersions: %v", err)
	}
	if reg.calls != 1 {
		t.Fatalf("expected registry to be called once (memoized), got %d", reg.calls)
	}
	if len(v1) != 2 || len(v2) != 2 {
		t.Fatalf("unexpected versions %v / %v", v1, v2)
	}

	offline := osvclient.New(true, nil, nil, reg)
	versions, err := offline.ListPackageVersions(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("ListPackageVersions (offline): %v", err)
	}
	if versions != nil {
		t.Errorf("expected nil versions offline, got %v", versions)
	}
}
