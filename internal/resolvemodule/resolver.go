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

// Package resolvemodule resolves an import specifier relative to the file
// that referenced it to an absolute file path on disk, the way a
// TypeScript/Node module resolver would. It does not know anything about
// the dependency graph; callers are responsible for deciding what a
// resolution inside a node_modules directory should mean.
package resolvemodule

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
)

// Mode selects which module-resolution algorithm variant to emulate.
type Mode string

// Recognised resolution modes, mirroring tsconfig.json's moduleResolution.
const (
	ModeNode     Mode = "node"     // CJS-style node_modules walk, extensions required at call sites optional.
	ModeNode16   Mode = "node16"   // Resolved like ModeNode; extensionless relative imports still resolve.
	ModeBundler  Mode = "bundler"  // Like ModeNode, plus a ".js"/".jsx"/".mjs" path may resolve to a sibling ".ts"/".tsx" file.
)

// Config configures a resolver instance. A zero Config behaves like the
// plain Node resolver: no tsconfig found, no path aliases.
type Config struct {
	Mode Mode

	// BaseURL and Paths implement tsconfig.json's "baseUrl"/"paths" alias
	// resolution; Paths maps a pattern (may contain one "*") to candidate
	// substitution targets relative to BaseURL.
	BaseURL string
	Paths   map[string][]string
}

// Result is the outcome of resolving one specifier.
type Result struct {
	ResolvedFilePath      string
	FailedLookupLocations []string
}

// Resolver resolves specifiers to file paths under a fixed Config.
type Resolver struct {
	cfg  Config
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]Result
}

// New returns a config-aware resolver. Pass fsys as nil to use the real
// filesystem.
func New(cfg Config, fsys fs.FS) *Resolver {
	return &Resolver{cfg: cfg, fsys: fsys, cache: make(map[string]Result)}
}

// NewDefault returns the plain Node-style resolver (no tsconfig). No
// resolver applies import conditions: the conditions passed to Resolve only
// form part of its cache key, and package "exports" maps are not read.
func NewDefault(fsys fs.FS) *Resolver {
	return New(Config{Mode: ModeNode}, fsys)
}

var sourceExts = []string{".ts", ".tsx", ".d.ts", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// Resolve resolves specifier as referenced from fromFile.
func (r *Resolver) Resolve(specifier, fromFile string, kind graphmodel.ImportKind, conditions []string) Result {
	cacheKey := strings.Join([]string{specifier, fromFile, string(kind), strings.Join(conditions, ",")}, "\x00")
	r.mu.Lock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	res := r.resolveUncached(specifier, fromFile, kind, conditions)

	r.mu.Lock()
	r.cache[cacheKey] = res
	r.mu.Unlock()
	return res
}

func (r *Resolver) resolveUncached(specifier, fromFile string, kind graphmodel.ImportKind, conditions []string) Result {
	dir := filepath.Dir(fromFile)

	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || specifier == "." || specifier == "..":
		return r.resolvePath(filepath.Join(dir, specifier))
	case strings.HasPrefix(specifier, "/"):
		return r.resolvePath(specifier)
	default:
		if alias, ok := r.resolveAlias(specifier); ok {
			if res := r.resolvePath(alias); res.ResolvedFilePath != "" {
				return res
			}
		}
		return r.resolveBare(specifier, dir)
	}
}

// resolveAlias expands a bare specifier against tsconfig "paths", if
// configured. It returns the first candidate substitution, unresolved.
func (r *Resolver) resolveAlias(specifier string) (string, bool) {
	if r.cfg.BaseURL == "" || len(r.cfg.Paths) == 0 {
		return "", false
	}
	for pattern, targets := range r.cfg.Paths {
		prefix, suffix, hasStar := strings.Cut(pattern, "*")
		if !hasStar {
			if specifier != pattern || len(targets) == 0 {
				continue
			}
			return filepath.Join(r.cfg.BaseURL, targets[0]), true
		}
		if !strings.HasPrefix(specifier, prefix) || !strings.HasSuffix(specifier, suffix) {
			continue
		}
		matched := strings.TrimSuffix(strings.TrimPrefix(specifier, prefix), suffix)
		if len(targets) == 0 {
			continue
		}
		target := strings.Replace(targets[0], "*", matched, 1)
		return filepath.Join(r.cfg.BaseURL, target), true
	}
	return "", false
}

// resolvePath resolves a path that is already known to be relative/absolute
// on disk, trying the exact path, extension candidates, and directory index
// files. In bundler mode, an extensionless path or one written with a ".js"
// extension may resolve to a sibling ".ts"/".tsx" source file.
func (r *Resolver) resolvePath(path string) Result {
	var failed []string

	try := func(p string) (Result, bool) {
		if r.fileExists(p) {
			return Result{ResolvedFilePath: p}, true
		}
		failed = append(failed, p)
		return Result{}, false
	}

	if res, ok := try(path); ok {
		return res
	}

	if r.cfg.Mode == ModeBundler {
		if ext := filepath.Ext(path); ext == ".js" || ext == ".jsx" || ext == ".mjs" {
			withoutExt := strings.TrimSuffix(path, ext)
			for _, candExt := range []string{".ts", ".tsx"} {
				if res, ok := try(withoutExt + candExt); ok {
					return res
				}
			}
		}
	}

	for _, ext := range sourceExts {
		if res, ok := try(path + ext); ok {
			return res
		}
	}

	for _, idx := range []string{"index"} {
		for _, ext := range sourceExts {
			if res, ok := try(filepath.Join(path, idx+ext)); ok {
				return res
			}
		}
	}

	return Result{FailedLookupLocations: failed}
}

// resolveBare resolves a bare package specifier by walking node_modules
// directories upward from dir, the same way Node's CommonJS loader does.
// It does not consult any dependency graph: callers decide whether landing
// inside a node_modules directory should be treated as "resolved", since
// package-level reachability stops here.
func (r *Resolver) resolveBare(specifier, dir string) Result {
	var failed []string
	for cur := dir; ; {
		nm := filepath.Join(cur, "node_modules", filepath.FromSlash(specifier))
		if res := r.resolvePath(nm); res.ResolvedFilePath != "" {
			return res
		} else {
			failed = append(failed, res.FailedLookupLocations...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return Result{FailedLookupLocations: failed}
}

func (r *Resolver) fileExists(path string) bool {
	if r.fsys != nil {
		rel := toFSPath(path)
		info, err := fs.Stat(r.fsys, rel)
		return err == nil && !info.IsDir()
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func toFSPath(path string) string {
	p := filepath.ToSlash(path)
	return strings.TrimPrefix(p, "/")
}

// IsInsideDependency reports whether path lies inside a node_modules
// directory, i.e. it is dependency-package code rather than project source.
func IsInsideDependency(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "node_modules" {
			return true
		}
	}
	return false
}

// DefaultConditions returns the condition set a plain Node resolver applies
// for the given import kind, absent any caller-supplied conditions.
func DefaultConditions(kind graphmodel.ImportKind) []string {
	if kind == graphmodel.ImportCJS {
		return []string{"node", "require", "default"}
	}
	return []string{"node", "import", "default"}
}

// LoadTSConfig reads a tsconfig.json-shaped file (compilerOptions.baseUrl,
// compilerOptions.paths, compilerOptions.moduleResolution) from root, if one
// exists, and returns the Config to construct a config-aware Resolver with.
// ok is false if no config file is present.
func LoadTSConfig(root string, fsys fs.FS) (Config, bool) {
	for _, name := range []string{"tsconfig.json", "jsconfig.json"} {
		path := filepath.Join(root, name)
		data, err := readFile(fsys, path)
		if err != nil {
			continue
		}
		var raw struct {
			CompilerOptions struct {
				BaseURL          string              `json:"baseUrl"`
				Paths            map[string][]string `json:"paths"`
				ModuleResolution string              `json:"moduleResolution"`
			} `json:"compilerOptions"`
		}
		if err := json.Unmarshal(stripJSONComments(data), &raw); err != nil {
			continue
		}
		mode := ModeNode
		switch strings.ToLower(raw.CompilerOptions.ModuleResolution) {
		case "bundler":
			mode = ModeBundler
		case "node16", "nodenext":
			mode = ModeNode16
		}
		baseURL := raw.CompilerOptions.BaseURL
		if baseURL != "" {
			baseURL = filepath.Join(root, baseURL)
		}
		return Config{Mode: mode, BaseURL: baseURL, Paths: raw.CompilerOptions.Paths}, true
	}
	return Config{}, false
}

func readFile(fsys fs.FS, path string) ([]byte, error) {
	if fsys != nil {
		return fs.ReadFile(fsys, toFSPath(path))
	}
	return os.ReadFile(path)
}

// stripJSONComments does a best-effort strip of "//" line comments from a
// tsconfig.json, which permissively allows them despite not being valid
// JSON. It is deliberately simple: it does not understand comments embedded
// inside string literals that contain "//".
func stripJSONComments(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "//"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return []byte(strings.Join(lines, "\n"))
}
