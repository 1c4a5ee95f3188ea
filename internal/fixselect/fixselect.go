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

// Package fixselect chooses a verified non-vulnerable upgrade candidate for
// a (vulnerability, package, current version) triple, preferring the
// vulnerability's own "fixed" events and falling back to the package
// registry's version list when those don't verify.
package fixselect

import (
	"context"
	"sort"
	"strings"
	"sync"

	"deps.dev/util/semver"
	"github.com/ossf/osv-schema/bindings/go/osvschema"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
	xsemver "golang.org/x/mod/semver"
)

// Fix is the selected upgrade candidate.
type Fix struct {
	FixedVersion string
	Note         string
}

// Provider is the subset of osvclient.Provider this package depends on.
type Provider interface {
	QueryPackages(ctx context.Context, pkgs []osvclient.PackageQuery) (map[string][]osvclient.QueryMatch, error)
	ListPackageVersions(ctx context.Context, name string) ([]string, error)
}

type cacheKey struct {
	VulnID  string
	Name    string
	Version string
}

type cached struct {
	fix *Fix
	err error
}

// Selector selects and caches fix suggestions, keyed on (vulnId, name, version).
type Selector struct {
	Provider Provider

	mu    sync.Mutex
	cache map[cacheKey]cached
}

// NewSelector returns a Selector backed by p.
func NewSelector(p Provider) *Selector {
	return &Selector{Provider: p}
}

// SelectFix returns the fix suggestion for vuln affecting name@version, or
// (nil, nil) if no fix could be found. Results are memoized.
func (s *Selector) SelectFix(ctx context.Context, vuln *osvschema.Vulnerability, name, version string) (*Fix, error) {
	key := cacheKey{VulnID: vuln.ID, Name: name, Version: version}

	s.mu.Lock()
	if c, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return c.fix, c.err
	}
	s.mu.Unlock()

	fix, err := s.selectFix(ctx, vuln, name, version)

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[cacheKey]cached)
	}
	s.cache[key] = cached{fix: fix, err: err}
	s.mu.Unlock()

	return fix, err
}

func (s *Selector) selectFix(ctx context.Context, vuln *osvschema.Vulnerability, name, version string) (*Fix, error) {
	candidates := filterGreaterOrEqual(gatherFixedEvents(vuln, name), version)

	verified, sawFailure := s.verifyAscending(ctx, vuln.ID, name, candidates)
	if verified != "" {
		return &Fix{FixedVersion: verified}, nil
	}

	regVersions, err := s.Provider.ListPackageVersions(ctx, name)
	if err == nil && len(regVersions) > 0 {
		regCandidates := filterGreaterOrEqual(regVersions, version)
		verified, failed := s.verifyAscending(ctx, vuln.ID, name, regCandidates)
		sawFailure = sawFailure || failed
		if verified != "" {
			return &Fix{FixedVersion: verified, Note: "registry fallback"}, nil
		}
	}

	if len(candidates) > 0 && sawFailure {
		return &Fix{FixedVersion: candidates[0], Note: "unverified"}, nil
	}

	return nil, nil
}

// verifyAscending queries each candidate ascending, returning the first one
// whose query result does not list vulnID. queryFailed is true iff a query
// itself errored (as opposed to the candidate simply still being affected).
func (s *Selector) verifyAscending(ctx context.Context, vulnID, name string, candidates []string) (selected string, queryFailed bool) {
	for _, c := range candidates {
		matches, err := s.Provider.QueryPackages(ctx, []osvclient.PackageQuery{{Name: name, Version: c}})
		if err != nil {
			return "", true
		}
		affected := false
		for _, m := range matches[osvclient.PackageKey(name, c)] {
			if m.ID == vulnID {
				affected = true
				break
			}
		}
		if !affected {
			return c, false
		}
	}
	return "", false
}

// gatherFixedEvents collects every "fixed" event from ranges of affected
// entries matching name.
func gatherFixedEvents(vuln *osvschema.Vulnerability, name string) []string {
	var out []string
	for _, aff := range vuln.Affected {
		if aff.Package.Name != name {
			continue
		}
		for _, r := range aff.Ranges {
			for _, e := range r.Events {
				if e.Fixed != "" {
					out = append(out, e.Fixed)
				}
			}
		}
	}
	return out
}

// filterGreaterOrEqual dedupes versions, keeps those >= current by semver
// compare (falling back to lexicographic for non-semver strings), and sorts
// the result ascending. This is also where the no-downgrade invariant is
// enforced: every returned candidate is >= current.
func filterGreaterOrEqual(versions []string, current string) []string {
	seen := make(map[string]bool, len(versions))
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		if versionCompare(v, current) >= 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return versionCompare(out[i], out[j]) < 0 })
	return out
}

// versionCompare orders two version strings, preferring the npm-aware
// parser and falling back through golang.org/x/mod/semver's stricter
// MAJOR.MINOR.PATCH comparator before giving up to a lexicographic compare
// for genuinely non-semver version strings.
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

// canonicalForXMod adapts a bare "1.2.3"-style version to the "v1.2.3" form
// golang.org/x/mod/semver requires.
func canonicalForXMod(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
