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

// Package npmvulncheck is the embedder-facing facade over the scan,
// remediation and apply core (components C1-C11): it wires the concrete
// default collaborators (lockfile provider registry, OSV.dev client, on-disk
// cache, npm registry client) the core only specifies interfaces for, the
// same way guidedremediation.FixVulns glues the teacher's own
// resolve/strategy/manifest packages together behind a single call.
package npmvulncheck

import (
	"context"
	"fmt"

	scalibrfs "github.com/ossguard/npmvulncheck/fs"
	"github.com/ossguard/npmvulncheck/internal/apply"
	"github.com/ossguard/npmvulncheck/internal/fixselect"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
	"github.com/ossguard/npmvulncheck/internal/registry"
	"github.com/ossguard/npmvulncheck/internal/remediation"
	"github.com/ossguard/npmvulncheck/internal/scan"
	"github.com/ossguard/npmvulncheck/log"
)

// ScanOptions is the embedder-supplied scan configuration (spec.md §6.5).
type ScanOptions struct {
	Root               string
	Mode               lockfile.Mode
	Entries            []string
	Conditions         []string
	IncludeTypeImports bool
	ExplainResolve     bool
	IncludeDev         bool
	SeverityThreshold  string
	Offline            bool
	IgnoreFilePath     string
	// CacheDir overrides osvclient.DefaultCacheDir.
	CacheDir string
}

// Scan selects the project's package manager, loads its dependency graph,
// queries OSV, and returns a sorted scan.Result. This is the C1-C9 pipeline
// end to end.
func Scan(ctx context.Context, opts ScanOptions) (*scan.Result, error) {
	fsys := scalibrfs.DirFS(opts.Root)

	sel, err := registry.New().Select(opts.Root, fsys, opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: %w", err)
	}
	for _, w := range sel.Warnings {
		log.Warnf("%s", w)
	}

	pc, err := sel.Provider.Load(opts.Root, fsys, opts.Mode, opts.IncludeDev)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: loading %s project: %w", sel.Provider.Manager(), err)
	}

	provider, err := newOSVProvider(opts.Root, opts.Offline, opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: %w", err)
	}

	return scan.Run(ctx, fsys, pc, provider, fixselect.NewSelector(provider), scan.Config{
		Root:               opts.Root,
		Mode:               opts.Mode,
		Entries:            opts.Entries,
		Conditions:         opts.Conditions,
		IncludeTypeImports: opts.IncludeTypeImports,
		ExplainResolve:     opts.ExplainResolve,
		IncludeDev:         opts.IncludeDev,
		SeverityThreshold:  opts.SeverityThreshold,
		Offline:            opts.Offline,
		IgnoreFilePath:     opts.IgnoreFilePath,
	})
}

// PlanOptions is the embedder-supplied remediation configuration (spec.md
// §6.5). It reuses ScanOptions to reload the same graph the plan is based
// on, since remediation.Run needs the graph to infer direct-dependency
// status and parent scope.
type PlanOptions struct {
	Scan   ScanOptions
	Policy remediation.Policy
}

// Plan reruns the scan in Scan and feeds its graph and result into the
// remediation planner (C10), returning a RemediationPlan.
func Plan(ctx context.Context, opts PlanOptions) (*remediation.Plan, error) {
	fsys := scalibrfs.DirFS(opts.Scan.Root)

	sel, err := registry.New().Select(opts.Scan.Root, fsys, opts.Scan.Mode)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: %w", err)
	}
	pc, err := sel.Provider.Load(opts.Scan.Root, fsys, opts.Scan.Mode, opts.Scan.IncludeDev)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: loading %s project: %w", sel.Provider.Manager(), err)
	}

	provider, err := newOSVProvider(opts.Scan.Root, opts.Scan.Offline, opts.Scan.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: %w", err)
	}

	result, err := scan.Run(ctx, fsys, pc, provider, fixselect.NewSelector(provider), scan.Config{
		Root:               opts.Scan.Root,
		Mode:               opts.Scan.Mode,
		Entries:            opts.Scan.Entries,
		Conditions:         opts.Scan.Conditions,
		IncludeTypeImports: opts.Scan.IncludeTypeImports,
		ExplainResolve:     opts.Scan.ExplainResolve,
		IncludeDev:         opts.Scan.IncludeDev,
		SeverityThreshold:  opts.Scan.SeverityThreshold,
		Offline:            opts.Scan.Offline,
		IgnoreFilePath:     opts.Scan.IgnoreFilePath,
	})
	if err != nil {
		return nil, err
	}

	plan, err := remediation.Run(pc.Graph, pc.Detect.Manager, opts.Scan.Root, result, opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: remediation: %w", err)
	}
	return plan, nil
}

// ApplyOptions configures ApplyPlan. Baseline is the set of vulnerability
// ids found by the scan that produced the plan; the verify operation (if
// present) diffs its rescan against it to compute introduced vulnerabilities.
type ApplyOptions struct {
	Root           string
	RollbackOnFail bool
	NoIntroduce    bool
	Baseline       []string
	// RescanOpts, when set, makes a verify operation rerun Scan with these
	// options; when nil, apply.Options.Rescan is left unset.
	RescanOpts *ScanOptions
}

// ApplyPlan executes plan's operations against the project at opts.Root
// (C11), inside a snapshot-and-rollback block.
func ApplyPlan(ctx context.Context, plan *remediation.Plan, opts ApplyOptions) (*apply.Result, error) {
	applyOpts := apply.Options{
		Root:           opts.Root,
		RollbackOnFail: opts.RollbackOnFail,
		NoIntroduce:    opts.NoIntroduce,
	}
	if opts.RescanOpts != nil {
		rescanOpts := *opts.RescanOpts
		applyOpts.Rescan = func(ctx context.Context) (*scan.Result, error) {
			return Scan(ctx, rescanOpts)
		}
	}

	res, err := apply.Apply(ctx, plan, applyOpts, opts.Baseline)
	if err != nil {
		return nil, fmt.Errorf("npmvulncheck: %w", err)
	}
	return res, nil
}

// newOSVProvider wires C7's three external collaborators: the OSV.dev wire
// client, the on-disk query/vuln cache, and the npm registry version
// lister. Both http and registry are left nil in offline mode, matching
// osvclient.New's documented contract that no network calls happen then.
func newOSVProvider(root string, offline bool, cacheDir string) (*osvclient.Provider, error) {
	if cacheDir == "" {
		cacheDir = osvclient.DefaultCacheDir()
	}
	cache := osvclient.NewFileCache(cacheDir)

	if offline {
		return osvclient.New(true, nil, cache, nil), nil
	}

	reg, err := osvclient.NewNPMRegistryClient(root)
	if err != nil {
		return nil, fmt.Errorf("npm registry client: %w", err)
	}
	return osvclient.New(false, osvclient.NewOSVDevClient(), cache, reg), nil
}
