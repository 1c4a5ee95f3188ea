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

// Package osvclient is the vulnerability provider: it batches package
// lookups against OSV.dev (or an offline cache), hydrates full vulnerability
// records, and lists package registry versions, all with process-local
// memoization and an on-disk query/vuln cache shared across runs.
package osvclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
)

// PackageQuery identifies one package@version lookup.
type PackageQuery struct {
	Name    string
	Version string
}

// QueryMatch is one vulnerability ID known to affect a queried package, with
// the timestamp of the record version that reported it.
type QueryMatch struct {
	ID       string
	Modified string
}

// PackageKey is the canonical map key for a (name, version) pair, shared by
// the query cache, the inventory builder (C9), and the fix selector (C8).
func PackageKey(name, version string) string {
	return name + "@" + version
}

// HTTPClient is the OSV.dev wire client. It is an external collaborator
// (the wire protocol is specified but its implementation is not); the
// default implementation wraps osv.dev/bindings/go/osvdev.
type HTTPClient interface {
	// QueryBatch looks up vulnerabilities for each query, one result slice
	// per input query in the same order, following server-side pagination
	// until every query has drained.
	QueryBatch(ctx context.Context, queries []PackageQuery) ([][]QueryMatch, error)
	GetVulnByID(ctx context.Context, id string) (*osvschema.Vulnerability, error)
}

// Cache is the on-disk OSV cache. It is an external collaborator; the
// default implementation is FileCache, laid out per the cache directory
// convention (vulns/, queries/ subfolders).
type Cache interface {
	GetQuery(name, version string) ([]QueryMatch, bool)
	PutQuery(name, version string, matches []QueryMatch) error
	GetVuln(id, modified string) (*osvschema.Vulnerability, bool)
	// NewestVuln returns the most recently modified cached record for id,
	// regardless of which modified timestamp was requested.
	NewestVuln(id string) (*osvschema.Vulnerability, bool)
	PutVuln(v *osvschema.Vulnerability) error
}

// RegistryClient lists known versions of a package from its public
// registry. The default implementation, NPMRegistryClient, wraps the npm
// registry client in clients/datasource.
type RegistryClient interface {
	Versions(ctx context.Context, name string) ([]string, error)
}

// maxBatchSize bounds how many queries are posted per QueryBatch call,
// independent of whatever paging the HTTPClient does internally per call.
const maxBatchSize = 256

// Provider is the vulnerability provider (spec component C7).
type Provider struct {
	Offline  bool
	HTTP     HTTPClient
	Cache    Cache
	Registry RegistryClient

	mu          sync.Mutex
	versionMemo map[string][]string
}

// New constructs a Provider. http and registry may be nil when offline is
// true, since no network calls are made in that mode.
func New(offline bool, http HTTPClient, cache Cache, registry RegistryClient) *Provider {
	return &Provider{Offline: offline, HTTP: http, Cache: cache, Registry: registry}
}

// QueryPackages resolves vulnerability matches for a set of packages,
// keyed by PackageKey. Duplicate (name, version) pairs are queried once.
func (p *Provider) QueryPackages(ctx context.Context, pkgs []PackageQuery) (map[string][]QueryMatch, error) {
	dedup := make(map[string]PackageQuery, len(pkgs))
	order := make([]string, 0, len(pkgs))
	for _, q := range pkgs {
		key := PackageKey(q.Name, q.Version)
		if _, ok := dedup[key]; ok {
			continue
		}
		dedup[key] = q
		order = append(order, key)
	}

	result := make(map[string][]QueryMatch, len(order))

	if p.Offline {
		var missing []string
		for _, key := range order {
			q := dedup[key]
			matches, ok := p.Cache.GetQuery(q.Name, q.Version)
			if !ok {
				if len(missing) < 5 {
					missing = append(missing, key)
				}
				continue
			}
			result[key] = matches
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("osvclient: offline query cache missing entries, e.g. %s", strings.Join(missing, ", "))
		}
		return result, nil
	}

	for start := 0; start < len(order); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(order) {
			end = len(order)
		}
		chunkKeys := order[start:end]
		chunkQueries := make([]PackageQuery, len(chunkKeys))
		for i, k := range chunkKeys {
			chunkQueries[i] = dedup[k]
		}

		chunkResults, err := p.HTTP.QueryBatch(ctx, chunkQueries)
		if err != nil {
			return nil, err
		}
		if len(chunkResults) != len(chunkQueries) {
			return nil, fmt.Errorf("osvclient: batch response length %d does not match request length %d", len(chunkResults), len(chunkQueries))
		}

		for i, key := range chunkKeys {
			deduped := dedupeMatches(chunkResults[i])
			result[key] = deduped
			q := dedup[key]
			if err := p.Cache.PutQuery(q.Name, q.Version, deduped); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

func dedupeMatches(in []QueryMatch) []QueryMatch {
	seen := make(map[string]bool, len(in))
	out := make([]QueryMatch, 0, len(in))
	for _, m := range in {
		key := m.ID + "@" + m.Modified
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// GetVuln hydrates the full vulnerability record for id. When modified is
// non-empty it is an exact-version request; otherwise the newest cached (or
// fetched) record is preferred.
func (p *Provider) GetVuln(ctx context.Context, id, modified string) (*osvschema.Vulnerability, error) {
	if modified != "" {
		if v, ok := p.Cache.GetVuln(id, modified); ok {
			return v, nil
		}
		if p.Offline {
			if v, ok := p.Cache.NewestVuln(id); ok {
				return v, nil
			}
			return nil, fmt.Errorf("osvclient: offline cache missing vulnerability %s@%s", id, modified)
		}
		return p.fetchAndCacheVuln(ctx, id)
	}

	if v, ok := p.Cache.NewestVuln(id); ok {
		return v, nil
	}
	if p.Offline {
		return nil, fmt.Errorf("osvclient: offline cache missing vulnerability %s", id)
	}
	return p.fetchAndCacheVuln(ctx, id)
}

func (p *Provider) fetchAndCacheVuln(ctx context.Context, id string) (*osvschema.Vulnerability, error) {
	v, err := p.HTTP.GetVulnByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Cache.PutVuln(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ListPackageVersions returns the known registry versions of name, memoized
// per process. Offline mode always returns no versions.
func (p *Provider) ListPackageVersions(ctx context.Context, name string) ([]string, error) {
	if p.Offline {
		return nil, nil
	}

	p.mu.Lock()
	if v, ok := p.versionMemo[name]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	versions, err := p.Registry.Versions(ctx, name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.versionMemo == nil {
		p.versionMemo = make(map[string][]string)
	}
	p.versionMemo[name] = versions
	p.mu.Unlock()

	return versions, nil
}
