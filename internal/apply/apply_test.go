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

package apply_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ossguard/npmvulncheck/internal/apply"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/remediation"
	"github.com/ossguard/npmvulncheck/internal/scan"
	"github.com/tidwall/gjson"
)

const basePackageJSON = `{
  "name": "example",
  "version": "1.0.0",
  "dependencies": {
    "left": "^1.0.0"
  }
}
`

func writePackageJSON(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing package.json: %v", err)
	}
}

func TestApply_WritesGlobalOverride(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, basePackageJSON)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations: []remediation.Operation{{
			Kind:    remediation.OpManifestOverride,
			Changes: []remediation.Change{{Package: "shared", To: "1.2.0"}},
		}},
		Fixes: remediation.Fixes{FixedVulnerabilities: []string{"GHSA-x"}},
	}

	res, err := apply.Apply(context.Background(), plan, apply.Options{Root: dir}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Operations) != 1 || res.Operations[0].Err != nil {
		t.Fatalf("Operations = %+v", res.Operations)
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		t.Fatalf("reading package.json: %v", err)
	}
	if got := gjson.GetBytes(data, "overrides.shared").String(); got != "1.2.0" {
		t.Errorf("overrides.shared = %q, want 1.2.0", got)
	}
	if got := gjson.GetBytes(data, "dependencies.left").String(); got != "^1.0.0" {
		t.Errorf("dependencies.left = %q, want unchanged ^1.0.0", got)
	}
	if data[len(data)-1] != '\n' {
		t.Error("expected trailing newline")
	}
}

func TestApply_NPMScopedOverrideNesting(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, basePackageJSON)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations: []remediation.Operation{{
			Kind: remediation.OpManifestOverride,
			Changes: []remediation.Change{{
				Package: "lodash",
				Scope:   remediation.ChangeScope{Parent: "webpack", ParentVersion: "5.0.0"},
				To:      "4.17.21",
			}},
		}},
	}

	if _, err := apply.Apply(context.Background(), plan, apply.Options{Root: dir}, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		t.Fatalf("reading package.json: %v", err)
	}
	path := "overrides." + gjson.Escape("webpack@5.0.0") + ".lodash"
	if got := gjson.GetBytes(data, path).String(); got != "4.17.21" {
		t.Errorf("%s = %q, want 4.17.21", path, got)
	}
}

func TestApply_ConflictingOverrideKeysFails(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, basePackageJSON)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations: []remediation.Operation{{
			Kind: remediation.OpManifestOverride,
			Changes: []remediation.Change{
				{Package: "shared", To: "1.2.0"},
				{Package: "shared", To: "1.3.0"},
			},
		}},
	}

	if _, err := apply.Apply(context.Background(), plan, apply.Options{Root: dir}, nil); err == nil {
		t.Fatal("expected a conflicting-key validation error")
	}
}

func TestApply_RollsBackOnLaterOperationFailure(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, basePackageJSON)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations: []remediation.Operation{
			{Kind: remediation.OpManifestOverride, Changes: []remediation.Change{{Package: "shared", To: "1.2.0"}}},
			{Kind: remediation.OpRelock, Command: "npm install --package-lock-only"},
		},
	}

	failingExec := func(context.Context, string, string) error { return errors.New("install failed") }

	res, err := apply.Apply(context.Background(), plan, apply.Options{
		Root:           dir,
		RollbackOnFail: true,
		Exec:           failingExec,
	}, nil)
	if err == nil {
		t.Fatal("expected an error from the failing relock operation")
	}
	if !res.RolledBack {
		t.Error("expected RolledBack=true")
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		t.Fatalf("reading package.json: %v", err)
	}
	if string(data) != basePackageJSON {
		t.Errorf("package.json = %q, want rollback to original content", data)
	}
}

func TestApply_VerifyComputesRemainingFixedIntroduced(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, basePackageJSON)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations:     []remediation.Operation{{Kind: remediation.OpVerify}},
		Fixes:          remediation.Fixes{FixedVulnerabilities: []string{"GHSA-a", "GHSA-b"}},
	}
	baseline := []string{"GHSA-a", "GHSA-b", "GHSA-c"}

	rescan := func(context.Context) (*scan.Result, error) {
		return &scan.Result{Findings: []scan.Finding{{VulnID: "GHSA-b"}, {VulnID: "GHSA-new"}}}, nil
	}

	res, err := apply.Apply(context.Background(), plan, apply.Options{Root: dir, Rescan: rescan}, baseline)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	v := res.Operations[0].Verify
	if v == nil {
		t.Fatal("expected a verify outcome")
	}
	if len(v.Remaining) != 1 || v.Remaining[0] != "GHSA-b" {
		t.Errorf("Remaining = %v, want [GHSA-b]", v.Remaining)
	}
	if len(v.Fixed) != 1 || v.Fixed[0] != "GHSA-a" {
		t.Errorf("Fixed = %v, want [GHSA-a]", v.Fixed)
	}
	if len(v.Introduced) != 1 || v.Introduced[0] != "GHSA-new" {
		t.Errorf("Introduced = %v, want [GHSA-new]", v.Introduced)
	}
	if v.OK {
		t.Error("OK = true, want false (GHSA-b still remaining)")
	}
}
