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

// Package apply is the plan applier and verifier (component C11): it
// executes a remediation.Plan's operations against the project's manifest
// and lockfile on disk, inside a snapshot-and-rollback block.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/remediation"
	"github.com/ossguard/npmvulncheck/internal/scan"
	"github.com/ossguard/npmvulncheck/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rescan re-runs the scan the verify operation checks against. Callers wire
// this to scan.Run with their own configuration.
type Rescan func(ctx context.Context) (*scan.Result, error)

// Exec runs a relock operation's install command in root. Callers may
// override this in tests; the default spawns a real subprocess.
type Exec func(ctx context.Context, root, command string) error

// Options configures Apply.
type Options struct {
	Root           string
	LockfilePath   string // defaults to the manager's conventional name under Root
	RollbackOnFail bool
	NoIntroduce    bool
	Rescan         Rescan
	Exec           Exec // defaults to a real os/exec invocation
}

// VerifyOutcome is the result of a verify operation.
type VerifyOutcome struct {
	Remaining  []string
	Fixed      []string
	Introduced []string
	OK         bool
}

// OperationOutcome records what happened when one plan operation ran.
type OperationOutcome struct {
	Kind   remediation.OperationKind
	Err    error
	Verify *VerifyOutcome
}

// Result is Apply's return value.
type Result struct {
	Operations  []OperationOutcome
	RolledBack  bool
	SnapshotDir string
}

type snapshot struct {
	path    string
	existed bool
	content []byte
}

// Apply validates and executes plan's operations in order inside a
// snapshot-and-rollback block, per spec.md §4.11. baseline is the set of
// vuln ids found by the scan that preceded remediation; it is only used by
// the verify operation's introduced-vuln computation.
func Apply(ctx context.Context, plan *remediation.Plan, opts Options, baseline []string) (*Result, error) {
	if err := validateOverrides(opts.Root, plan.PackageManager, plan.Operations); err != nil {
		return nil, fmt.Errorf("apply: validation: %w", err)
	}

	snapDir := filepath.Join(os.TempDir(), "npmvulncheck-apply-"+uuid.New().String())
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return nil, fmt.Errorf("apply: creating snapshot dir: %w", err)
	}

	res := &Result{SnapshotDir: snapDir}
	var snaps []snapshot

	execFn := opts.Exec
	if execFn == nil {
		execFn = runInstall
	}

	for i, op := range plan.Operations {
		var outcome OperationOutcome
		outcome.Kind = op.Kind

		switch op.Kind {
		case remediation.OpManifestOverride:
			outcome.Err = applyManifestOverride(opts.Root, plan.PackageManager, op.Changes, &snaps, snapDir)
		case remediation.OpManifestDirectUpgrade:
			outcome.Err = applyManifestDirectUpgrade(opts.Root, op.Field, op.Changes, &snaps, snapDir)
		case remediation.OpRelock:
			lockPath := opts.LockfilePath
			if lockPath == "" {
				lockPath = filepath.Join(opts.Root, defaultLockfileName(plan.PackageManager))
			}
			if _, _, err := snapshotFile(lockPath, &snaps, snapDir); err != nil {
				outcome.Err = err
				break
			}
			outcome.Err = execFn(ctx, opts.Root, op.Command)
		case remediation.OpVerify:
			v, err := runVerify(ctx, opts, plan, baseline)
			outcome.Verify = v
			outcome.Err = err
		default:
			outcome.Err = fmt.Errorf("apply: unknown operation kind %q", op.Kind)
		}

		res.Operations = append(res.Operations, outcome)

		if outcome.Err != nil {
			if opts.RollbackOnFail {
				for _, rerr := range rollback(snaps) {
					log.Errorf("apply: rollback error: %v", rerr)
				}
				res.RolledBack = true
			}
			return res, fmt.Errorf("apply: operation %d (%s): %w", i, op.Kind, outcome.Err)
		}
	}

	return res, nil
}

func defaultLockfileName(manager lockfile.Manager) string {
	switch manager {
	case lockfile.ManagerNPM:
		return "package-lock.json"
	case lockfile.ManagerPNPM:
		return "pnpm-lock.yaml"
	case lockfile.ManagerYarn:
		return "yarn.lock"
	default:
		return ""
	}
}

// validateOverrides implements spec.md §4.11 step 1: conflicting-key
// detection across every manifest-override operation's changes, plus npm's
// pinned-direct-dependency spec-mismatch check.
func validateOverrides(root string, manager lockfile.Manager, ops []remediation.Operation) error {
	for _, op := range ops {
		if op.Kind != remediation.OpManifestOverride {
			continue
		}
		seen := map[string]string{}
		for _, c := range op.Changes {
			key := overrideKey(manager, c)
			if prev, ok := seen[key]; ok && prev != c.To {
				return fmt.Errorf("conflicting override values for key %q: %q and %q", key, prev, c.To)
			}
			seen[key] = c.To
		}
		if manager == lockfile.ManagerNPM {
			if err := validateNPMDirectSpecs(root, op.Changes); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateNPMDirectSpecs flags an override whose target package is also
// declared as a pinned (exact-version) direct dependency with a different
// version: npm install would reject this combination. Range-satisfying
// specs (^, ~, etc.) are left to npm's own resolver to accept or reject.
func validateNPMDirectSpecs(root string, changes []remediation.Change) error {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, c := range changes {
		if c.Scope.Parent != "" {
			continue // only a top-level override key can collide with a direct spec
		}
		for _, field := range []string{"dependencies", "devDependencies", "optionalDependencies", "peerDependencies"} {
			spec := gjson.GetBytes(data, field+"."+gjson.Escape(c.Package))
			if !spec.Exists() {
				continue
			}
			if isPinnedVersionSpec(spec.String()) && spec.String() != c.To {
				return fmt.Errorf("override for %s@%s conflicts with pinned %s spec %q", c.Package, c.To, field, spec.String())
			}
		}
	}
	return nil
}

func isPinnedVersionSpec(spec string) bool {
	if spec == "" {
		return false
	}
	switch spec[0] {
	case '^', '~', '>', '<', '=', '*':
		return false
	}
	if strings.ContainsAny(spec, " |xX") {
		return false
	}
	return true
}

// overrideKey builds the manager-specific override key for a change: "pkg",
// "parent>pkg", or "parent@ver>pkg" (yarn uses "/" instead of ">").
func overrideKey(manager lockfile.Manager, c remediation.Change) string {
	sep := ">"
	if manager == lockfile.ManagerYarn {
		sep = "/"
	}
	if c.Scope.Parent == "" {
		return c.Package
	}
	parent := c.Scope.Parent
	if c.Scope.ParentVersion != "" {
		parent += "@" + c.Scope.ParentVersion
	}
	return parent + sep + c.Package
}

// overrideFieldPath is the manager's override field location within
// package.json.
func overrideFieldPath(manager lockfile.Manager) string {
	switch manager {
	case lockfile.ManagerNPM:
		return "overrides"
	case lockfile.ManagerPNPM:
		return "pnpm.overrides"
	case lockfile.ManagerYarn:
		return "resolutions"
	default:
		return "overrides"
	}
}

// applyManifestOverride implements spec.md §4.11's manifest-override step.
func applyManifestOverride(root string, manager lockfile.Manager, changes []remediation.Change, snaps *[]snapshot, snapDir string) error {
	path := filepath.Join(root, "package.json")
	data, _, err := snapshotFile(path, snaps, snapDir)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("package.json not found at %s", path)
	}

	fieldPath := overrideFieldPath(manager)
	tree := map[string]any{}
	if existing := gjson.GetBytes(data, fieldPath); existing.Exists() {
		if err := json.Unmarshal([]byte(existing.Raw), &tree); err != nil {
			return fmt.Errorf("parsing existing %s: %w", fieldPath, err)
		}
	}

	for _, c := range changes {
		key := overrideKey(manager, c)
		if manager == lockfile.ManagerNPM {
			setNPMOverride(tree, key, c.To)
		} else {
			tree[key] = c.To
		}
	}

	subBytes, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", fieldPath, err)
	}

	out, err := sjson.SetRawBytes(data, fieldPath, subBytes)
	if err != nil {
		return fmt.Errorf("writing %s: %w", fieldPath, err)
	}

	return writeWithTrailingNewline(path, out)
}

// setNPMOverride implements npm's nested scoped-key expansion:
// "webpack@5>lodash" becomes {"webpack@5": {"lodash": "v"}}. If a segment
// already holds a plain string value (itself an override), that value is
// preserved under the "." key before nesting further.
func setNPMOverride(tree map[string]any, key string, value string) {
	segments := strings.Split(key, ">")
	cur := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		var next map[string]any
		switch v := cur[seg].(type) {
		case map[string]any:
			next = v
		case string:
			next = map[string]any{".": v}
		default:
			next = map[string]any{}
		}
		cur[seg] = next
		cur = next
	}
}

// applyManifestDirectUpgrade rewrites direct dependency version specs
// in-place under the given field.
func applyManifestDirectUpgrade(root, field string, changes []remediation.Change, snaps *[]snapshot, snapDir string) error {
	path := filepath.Join(root, "package.json")
	data, _, err := snapshotFile(path, snaps, snapDir)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("package.json not found at %s", path)
	}

	tree := map[string]any{}
	if existing := gjson.GetBytes(data, field); existing.Exists() {
		if err := json.Unmarshal([]byte(existing.Raw), &tree); err != nil {
			return fmt.Errorf("parsing existing %s: %w", field, err)
		}
	}
	for _, c := range changes {
		tree[c.Package] = "^" + c.To
	}

	subBytes, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", field, err)
	}
	out, err := sjson.SetRawBytes(data, field, subBytes)
	if err != nil {
		return fmt.Errorf("writing %s: %w", field, err)
	}
	return writeWithTrailingNewline(path, out)
}

func writeWithTrailingNewline(path string, data []byte) error {
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return os.WriteFile(path, data, 0o644)
}

// runVerify implements spec.md §4.11's verify step:
// remaining = expected ∩ current, fixed = expected \ current,
// introduced = current \ baseline, ok = remaining=∅ ∧ (¬noIntroduce ∨ introduced=∅).
func runVerify(ctx context.Context, opts Options, plan *remediation.Plan, baseline []string) (*VerifyOutcome, error) {
	if opts.Rescan == nil {
		return nil, errors.New("apply: verify operation requires Options.Rescan")
	}
	res, err := opts.Rescan(ctx)
	if err != nil {
		return nil, fmt.Errorf("rescan: %w", err)
	}

	current := make(map[string]bool, len(res.Findings))
	for _, f := range res.Findings {
		current[f.VulnID] = true
	}
	baselineSet := toSet(baseline)
	expectedSet := toSet(plan.Fixes.FixedVulnerabilities)

	var remaining, fixed, introduced []string
	for id := range expectedSet {
		if current[id] {
			remaining = append(remaining, id)
		} else {
			fixed = append(fixed, id)
		}
	}
	for id := range current {
		if !baselineSet[id] {
			introduced = append(introduced, id)
		}
	}
	sort.Strings(remaining)
	sort.Strings(fixed)
	sort.Strings(introduced)

	ok := len(remaining) == 0 && (!opts.NoIntroduce || len(introduced) == 0)

	return &VerifyOutcome{Remaining: remaining, Fixed: fixed, Introduced: introduced, OK: ok}, nil
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// runInstall spawns the manager's lockfile-only install command, mirroring
// guidedremediation.go's npm-install invocation: cwd is the project root,
// stdio is discarded, and a non-zero exit is a failure.
func runInstall(ctx context.Context, root, command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return errors.New("empty relock command")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = root
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// snapshotFile records path's current content (or absence) before it is
// mutated, both in memory (for rollback) and as a copy under snapDir (for
// inspection). Returns the original content, or nil if the file did not
// exist.
func snapshotFile(path string, snaps *[]snapshot, snapDir string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	*snaps = append(*snaps, snapshot{path: path, existed: existed, content: append([]byte(nil), data...)})

	if existed {
		copyPath := filepath.Join(snapDir, filepath.Base(path))
		if err := os.WriteFile(copyPath, data, 0o600); err != nil {
			log.Warnf("apply: could not write snapshot copy of %s: %v", path, err)
		}
	}

	if !existed {
		return nil, false, nil
	}
	return data, true, nil
}

// rollback restores every snapshot in reverse order, deleting files that
// did not exist when they were snapshotted.
func rollback(snaps []snapshot) []error {
	var errs []error
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		if s.existed {
			if err := os.WriteFile(s.path, s.content, 0o644); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errs
}
