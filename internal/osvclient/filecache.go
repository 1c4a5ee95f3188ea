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

package osvclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ossf/osv-schema/bindings/go/osvschema"
)

// FileCache is the default Cache: a process-wide directory with vulns/ and
// queries/ subfolders, per the cache layout convention. Entries are written
// once and addressed by content (id, modified) or (name, version), so
// partially written entries from a cancelled run are harmless leftovers
// rather than corruption.
type FileCache struct {
	dir string
}

// NewFileCache returns a FileCache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

// DefaultCacheDir returns $XDG_CACHE_HOME/npmvulncheck/osv, falling back to
// $HOME/.cache/npmvulncheck/osv.
func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "npmvulncheck", "osv")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "npmvulncheck", "osv")
	}
	return filepath.Join(home, ".cache", "npmvulncheck", "osv")
}

func (c *FileCache) queryPath(name, version string) string {
	return filepath.Join(c.dir, "queries", url.QueryEscape(name)+"__"+url.QueryEscape(version)+".json")
}

// GetQuery implements Cache.
func (c *FileCache) GetQuery(name, version string) ([]QueryMatch, bool) {
	data, err := os.ReadFile(c.queryPath(name, version))
	if err != nil {
		return nil, false
	}
	var matches []QueryMatch
	if err := json.Unmarshal(data, &matches); err != nil {
		return nil, false
	}
	return matches, true
}

// PutQuery implements Cache.
func (c *FileCache) PutQuery(name, version string, matches []QueryMatch) error {
	path := c.queryPath(name, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *FileCache) vulnPath(id, modified string) string {
	return filepath.Join(c.dir, "vulns", url.QueryEscape(id)+"__"+url.QueryEscape(modified)+".json")
}

// GetVuln implements Cache.
func (c *FileCache) GetVuln(id, modified string) (*osvschema.Vulnerability, bool) {
	return c.readVulnFile(c.vulnPath(id, modified))
}

// NewestVuln implements Cache, scanning both the modern vulns/ layout
// (<id>__<modified>.json) and a legacy flat layout (<cacheDir>/<id>.json,
// with no modified suffix) so caches populated before the vulns/ subfolder
// split remain readable.
func (c *FileCache) NewestVuln(id string) (*osvschema.Vulnerability, bool) {
	escaped := url.QueryEscape(id)
	var candidates []string

	vulnsDir := filepath.Join(c.dir, "vulns")
	if entries, err := os.ReadDir(vulnsDir); err == nil {
		prefix := escaped + "__"
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
				candidates = append(candidates, filepath.Join(vulnsDir, e.Name()))
			}
		}
	}

	legacy := filepath.Join(c.dir, escaped+".json")
	if _, err := os.Stat(legacy); err == nil {
		candidates = append(candidates, legacy)
	}

	var best *osvschema.Vulnerability
	for _, path := range candidates {
		v, ok := c.readVulnFile(path)
		if !ok {
			continue
		}
		if best == nil || v.Modified > best.Modified {
			best = v
		}
	}
	return best, best != nil
}

func (c *FileCache) readVulnFile(path string) (*osvschema.Vulnerability, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var v osvschema.Vulnerability
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// PutVuln implements Cache.
func (c *FileCache) PutVuln(v *osvschema.Vulnerability) error {
	if v.ID == "" {
		return fmt.Errorf("osvclient: cannot cache a vulnerability with no id")
	}
	path := c.vulnPath(v.ID, v.Modified)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
