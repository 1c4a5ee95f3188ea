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

package npmvulncheck_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/osvclient"
	"github.com/ossguard/npmvulncheck/internal/remediation"
	"github.com/ossguard/npmvulncheck/pkg/npmvulncheck"
)

const lockJSON = `{
  "name": "demo",
  "version": "1.0.0",
  "lockfileVersion": 3,
  "packages": {
    "": {
      "name": "demo",
      "version": "1.0.0",
      "dependencies": { "left-pad": "^1.3.0" }
    },
    "node_modules/left-pad": {
      "version": "1.3.0",
      "resolved": "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz"
    }
  }
}`

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"demo","version":"1.0.0","dependencies":{"left-pad":"^1.3.0"}}`), 0o644); err != nil {
		t.Fatalf("writing package.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte(lockJSON), 0o644); err != nil {
		t.Fatalf("writing package-lock.json: %v", err)
	}
	return dir
}

// cleanCache returns an offline cache directory whose query cache records
// no vulnerabilities for left-pad@1.3.0.
func cleanCache(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := osvclient.NewFileCache(dir).PutQuery("left-pad", "1.3.0", []osvclient.QueryMatch{}); err != nil {
		t.Fatalf("priming query cache: %v", err)
	}
	return dir
}

func TestScan_OfflineLockfileModeFindsNoVulnsWithoutNetworkAccess(t *testing.T) {
	dir := writeProject(t)

	res, err := npmvulncheck.Scan(context.Background(), npmvulncheck.ScanOptions{
		Root:     dir,
		Mode:     lockfile.ModeLockfile,
		Offline:  true,
		CacheDir: cleanCache(t),
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Stats.Nodes < 2 {
		t.Errorf("Stats.Nodes = %d, want at least 2 (root + left-pad)", res.Stats.Nodes)
	}
	if len(res.Findings) != 0 {
		t.Errorf("Findings = %v, want none (offline cache records no matches)", res.Findings)
	}
}

func TestPlan_NoFindingsProducesEmptyPlanWithHighRiskSummary(t *testing.T) {
	dir := writeProject(t)

	plan, err := npmvulncheck.Plan(context.Background(), npmvulncheck.PlanOptions{
		Scan: npmvulncheck.ScanOptions{
			Root:     dir,
			Mode:     lockfile.ModeLockfile,
			Offline:  true,
			CacheDir: cleanCache(t),
		},
		Policy: remediation.Policy{Strategy: remediation.StrategyAuto, UpgradeLevel: remediation.UpgradeLevelMinor},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Operations) != 0 {
		t.Errorf("Operations = %v, want none", plan.Operations)
	}
	if plan.Summary.Risk != "high" {
		t.Errorf("Summary.Risk = %q, want high (no changes generated)", plan.Summary.Risk)
	}
}

func TestApplyPlan_ManifestOverrideAgainstRealProjectRoot(t *testing.T) {
	dir := writeProject(t)

	plan := &remediation.Plan{
		PackageManager: lockfile.ManagerNPM,
		Operations: []remediation.Operation{{
			Kind:    remediation.OpManifestOverride,
			Changes: []remediation.Change{{Package: "left-pad", To: "1.3.0"}},
		}},
	}

	res, err := npmvulncheck.ApplyPlan(context.Background(), plan, npmvulncheck.ApplyOptions{Root: dir})
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if len(res.Operations) != 1 || res.Operations[0].Err != nil {
		t.Fatalf("Operations = %+v", res.Operations)
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		t.Fatalf("reading package.json: %v", err)
	}
	if !strings.Contains(string(data), `"overrides"`) || !strings.Contains(string(data), `"left-pad": "1.3.0"`) {
		t.Errorf("package.json = %s, want an overrides block for left-pad", data)
	}
}
