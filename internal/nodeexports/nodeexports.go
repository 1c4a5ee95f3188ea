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

// Package nodeexports implements Node's "exports"/"imports" subpath and
// condition matching algorithm shared by package.json's "exports" map
// (public subpaths, keyed by "." and "./sub/path") and "imports" map
// (internal "#name" specifiers).
package nodeexports

import (
	"sort"
	"strings"
)

// Outcome is the tri-state result of resolving one subpath.
type Outcome int

const (
	// NoMatch means no key in the map matches the requested subpath at
	// all; the caller should fall back to other resolution strategies.
	NoMatch Outcome = iota
	// Blocked means a key matched the subpath, but none of its condition
	// branches matched the requested conditions (explicitly not exported).
	Blocked
	// Resolved means a target path was found.
	Resolved
)

// Resolve looks up subpath (e.g. "." or "./feature" or "#internal/helper")
// in raw (the parsed JSON value of an "exports" or "imports" field) under
// the given ordered conditions (plus an implicit trailing "default").
func Resolve(raw any, subpath string, conditions []string) (target string, outcome Outcome) {
	table, ok := asTable(raw)
	if !ok {
		return "", NoMatch
	}

	key, rest, ok := matchKey(table, subpath)
	if !ok {
		return "", NoMatch
	}

	value := table[key]
	expanded := ""
	if strings.Contains(key, "*") {
		expanded = rest
	}

	resolved, ok := pickCondition(value, conditions)
	if !ok {
		return "", Blocked
	}
	if expanded != "" {
		resolved = strings.Replace(resolved, "*", expanded, 1)
	}
	return resolved, Resolved
}

// asTable normalizes an "exports"/"imports" JSON value into a subpath->value
// map. A bare string or a conditions-only object (no key starting with "."
// or "#") is treated as the value for the "." (or sole "#"-less) subpath.
func asTable(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case string:
		return map[string]any{".": v}, true
	case map[string]any:
		if len(v) == 0 {
			return v, true
		}
		hasSubpathKeys := false
		for k := range v {
			if strings.HasPrefix(k, ".") || strings.HasPrefix(k, "#") {
				hasSubpathKeys = true
				break
			}
		}
		if hasSubpathKeys {
			return v, true
		}
		return map[string]any{".": v}, true
	default:
		return nil, false
	}
}

// matchKey finds the best matching key in table for subpath: an exact match
// wins outright; otherwise the longest-prefix wildcard pattern
// ("./foo/*", "#internal/*") wins, per Node's resolution algorithm. rest is
// the part of subpath that matched the wildcard's "*".
func matchKey(table map[string]any, subpath string) (key string, rest string, ok bool) {
	if _, exists := table[subpath]; exists {
		return subpath, "", true
	}

	type candidate struct {
		key    string
		prefix string
		suffix string
	}
	var candidates []candidate
	for k := range table {
		if !strings.Contains(k, "*") {
			continue
		}
		prefix, suffix, _ := strings.Cut(k, "*")
		if strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) &&
			len(subpath) >= len(prefix)+len(suffix) {
			candidates = append(candidates, candidate{key: k, prefix: prefix, suffix: suffix})
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].prefix) > len(candidates[j].prefix)
	})
	best := candidates[0]
	rest = strings.TrimSuffix(strings.TrimPrefix(subpath, best.prefix), best.suffix)
	return best.key, rest, true
}

// pickCondition walks a (possibly nested) condition object, picking the
// first branch whose key is in conditions (in the object's own key order as
// parsed is not preserved by map[string]any, so callers must pass
// conditions pre-ordered by priority), falling back to "default".
func pickCondition(value any, conditions []string) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case map[string]any:
		order := append(append([]string{}, conditions...), "default")
		for _, cond := range order {
			if next, ok := v[cond]; ok {
				if s, ok := pickCondition(next, conditions); ok {
					return s, true
				}
			}
		}
		return "", false
	case []any:
		for _, item := range v {
			if s, ok := pickCondition(item, conditions); ok {
				return s, true
			}
		}
		return "", false
	default:
		return "", false
	}
}
