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

// Package registry selects which lockfile.Provider should drive a scan of a
// given project root: it detects all registered providers concurrently,
// then applies the root manifest's declared packageManager field (if any)
// and a fixed preference order to pick exactly one.
package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/lockfile/npmprovider"
	"github.com/ossguard/npmvulncheck/internal/lockfile/pnpmprovider"
	"github.com/ossguard/npmvulncheck/internal/lockfile/yarnprovider"
	"github.com/ossguard/npmvulncheck/log"
)

// preferenceOrder is consulted when more than one provider detects and the
// root manifest does not disambiguate via packageManager.
var preferenceOrder = []lockfile.Manager{lockfile.ManagerPNPM, lockfile.ManagerYarn, lockfile.ManagerNPM}

// Registry holds the set of lockfile providers available for selection.
type Registry struct {
	providers []lockfile.Provider
}

// New returns a Registry with the built-in npm, pnpm and yarn providers
// registered.
func New() *Registry {
	return &Registry{providers: []lockfile.Provider{npmprovider.New(), pnpmprovider.New(), yarnprovider.New()}}
}

// Selection is the outcome of resolving which provider to use for a project.
type Selection struct {
	Provider lockfile.Provider
	Detected []lockfile.DetectResult
	Warnings []string
}

type detection struct {
	result lockfile.DetectResult
	ok     bool
}

// packageManagerField is the shape of the subset of package.json this
// package cares about.
type packageManagerField struct {
	PackageManager string `json:"packageManager"`
}

// Select detects all providers in root concurrently and picks one per the
// rules in the spec: honour a matching root packageManager field first,
// otherwise prefer pnpm, then yarn, then npm; always surface a warning when
// more than one lockfile is present.
func (r *Registry) Select(root string, fsys fs.FS, mode lockfile.Mode) (*Selection, error) {
	if mode == lockfile.ModeInstalled {
		return r.selectInstalled(root, fsys)
	}

	detections := make([]detection, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p lockfile.Provider) {
			defer wg.Done()
			res, ok := p.Detect(root, fsys)
			detections[i] = detection{result: res, ok: ok}
		}(i, p)
	}
	wg.Wait()

	var detected []lockfile.DetectResult
	byManager := make(map[lockfile.Manager]lockfile.Provider)
	for i, d := range detections {
		if d.ok {
			detected = append(detected, d.result)
			byManager[r.providers[i].Manager()] = r.providers[i]
		}
	}

	if len(detected) == 0 {
		return nil, fmt.Errorf("registry: no supported lockfile found under %s", root)
	}

	sel := &Selection{Detected: detected}

	declared, declaredOK := readPackageManager(root, fsys)

	var chosen lockfile.Provider
	switch {
	case declaredOK:
		if p, ok := byManager[declared]; ok {
			chosen = p
		} else {
			sel.Warnings = append(sel.Warnings, fmt.Sprintf(
				"package.json declares packageManager %q, but no %s lockfile was found; falling back to detected providers", declared, declared))
		}
	}

	if chosen == nil {
		for _, m := range preferenceOrder {
			if p, ok := byManager[m]; ok {
				chosen = p
				break
			}
		}
	}

	if len(detected) > 1 {
		names := make([]string, len(detected))
		for i, d := range detected {
			names[i] = string(d.Manager)
		}
		msg := fmt.Sprintf("multiple package managers detected (%s); selected %s", strings.Join(names, ", "), chosen.Manager())
		sel.Warnings = append(sel.Warnings, msg)
		log.Warnf("registry: %s", msg)
	}

	sel.Provider = chosen
	return sel, nil
}

// selectInstalled returns the npm provider unconditionally once root has a
// node_modules directory. In this mode the npm provider still builds its
// graph from package-lock.json or npm-shrinkwrap.json, and fails without
// one; node_modules itself is not walked to build the graph.
func (r *Registry) selectInstalled(root string, fsys fs.FS) (*Selection, error) {
	if _, err := fs.Stat(fsys, strings.TrimPrefix(root+"/node_modules", "/")); err != nil {
		return nil, fmt.Errorf("registry: installed mode requires a node_modules directory under %s: %w", root, err)
	}
	for _, p := range r.providers {
		if p.Manager() == lockfile.ManagerNPM {
			return &Selection{Provider: p}, nil
		}
	}
	return nil, fmt.Errorf("registry: npm provider not registered")
}

func readPackageManager(root string, fsys fs.FS) (lockfile.Manager, bool) {
	path := strings.TrimPrefix(root+"/package.json", "/")
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return "", false
	}
	var pkg packageManagerField
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", false
	}
	// "packageManager": "pnpm@8.6.0" or "yarn@3.6.1" or "npm@9.8.0".
	name, _, _ := strings.Cut(pkg.PackageManager, "@")
	switch lockfile.Manager(name) {
	case lockfile.ManagerNPM, lockfile.ManagerPNPM, lockfile.ManagerYarn:
		return lockfile.Manager(name), true
	default:
		return "", false
	}
}
