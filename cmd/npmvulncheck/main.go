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

// The npmvulncheck command wraps pkg/npmvulncheck to create a standalone CLI
// with direct access to the local machine's filesystem, in the same spirit
// as binary/scalibr.go wraps the general SCALIBR library: parse flags into a
// config, run one pipeline call, write the result, return an exit code.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"

	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/remediation"
	"github.com/ossguard/npmvulncheck/log"
	"github.com/ossguard/npmvulncheck/pkg/npmvulncheck"
)

func main() {
	flags := parseFlags()
	os.Exit(run(flags))
}

// flags holds the parsed command line flags, the way binary/cli.Flags does
// for the general scanner.
type flags struct {
	command  string
	root     string
	mode     string
	entries  arrayFlag
	offline  bool
	cacheDir string
	ignore   string
	verbose  bool

	strategy     string
	upgradeLevel string
	relock       bool
	verify       bool
	onlyReach    bool

	resultFile string
}

// arrayFlag is a type to be passed to flag.Var that supports arrays passed
// as repeated flags, e.g. -entry src/index.js -entry src/worker.js.
type arrayFlag []string

func (a *arrayFlag) String() string { return "" }
func (a *arrayFlag) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func parseFlags() *flags {
	f := &flags{}
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		f.command = "scan"
	} else {
		f.command = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	flag.StringVar(&f.root, "root", ".", "project root to scan")
	flag.StringVar(&f.mode, "mode", "lockfile", `scan mode: "lockfile", "installed", or "source"`)
	flag.Var(&f.entries, "entry", "source-mode entrypoint file, repeatable")
	flag.BoolVar(&f.offline, "offline", false, "never reach the network; fail if the OSV cache is incomplete")
	flag.StringVar(&f.cacheDir, "cache-dir", "", "OSV query/vuln cache directory (defaults to the user cache dir)")
	flag.StringVar(&f.ignore, "ignore-file", "", "path to an ignore policy file (conventionally .npmvulncheck-ignore.json)")
	flag.BoolVar(&f.verbose, "verbose", false, "enable debug logging")

	flag.StringVar(&f.strategy, "strategy", "auto", `remediation strategy: "override", "direct", or "auto"`)
	flag.StringVar(&f.upgradeLevel, "upgrade-level", "minor", `max upgrade level: "patch", "minor", "major", or "any"`)
	flag.BoolVar(&f.relock, "relock", false, "append a relock operation after manifest changes")
	flag.BoolVar(&f.verify, "verify", false, "append a verify (rescan) operation after remediation")
	flag.BoolVar(&f.onlyReach, "only-reachable", false, "restrict remediation to reachable findings (source mode only)")

	flag.StringVar(&f.resultFile, "result", "", "path to write the JSON result to, instead of stdout")

	flag.Parse()
	return f
}

// run executes the requested subcommand and returns the process exit code,
// the way binary/scanrunner.RunScan does for the general scanner.
func run(f *flags) int {
	if f.verbose {
		log.SetLogger(&log.DefaultLogger{Verbose: true})
	}

	scanOpts := npmvulncheck.ScanOptions{
		Root:           f.root,
		Mode:           lockfile.Mode(f.mode),
		Entries:        f.entries,
		Offline:        f.offline,
		CacheDir:       f.cacheDir,
		IgnoreFilePath: f.ignore,
	}

	ctx := context.Background()

	switch f.command {
	case "scan":
		result, err := npmvulncheck.Scan(ctx, scanOpts)
		if err != nil {
			log.Errorf("scan: %v", err)
			return 1
		}
		log.Infof("scanned %d packages, found %d vulnerabilities", result.Stats.Nodes, len(result.Findings))
		return writeResult(f.resultFile, result)

	case "plan":
		policy := remediation.Policy{
			Strategy:      remediation.Strategy(f.strategy),
			UpgradeLevel:  parseUpgradeLevel(f.upgradeLevel),
			OnlyReachable: f.onlyReach,
			Relock:        f.relock,
			Verify:        f.verify,
		}
		plan, err := npmvulncheck.Plan(ctx, npmvulncheck.PlanOptions{Scan: scanOpts, Policy: policy})
		if err != nil {
			log.Errorf("plan: %v", err)
			return 1
		}
		log.Infof("planned %d operations, risk=%s", len(plan.Operations), plan.Summary.Risk)
		return writeResult(f.resultFile, plan)

	case "apply":
		policy := remediation.Policy{
			Strategy:      remediation.Strategy(f.strategy),
			UpgradeLevel:  parseUpgradeLevel(f.upgradeLevel),
			OnlyReachable: f.onlyReach,
			Relock:        f.relock,
			Verify:        f.verify,
		}
		plan, err := npmvulncheck.Plan(ctx, npmvulncheck.PlanOptions{Scan: scanOpts, Policy: policy})
		if err != nil {
			log.Errorf("plan: %v", err)
			return 1
		}

		baseline := make([]string, 0, len(plan.Fixes.RemainingVulnerabilities)+len(plan.Fixes.FixedVulnerabilities))
		baseline = append(baseline, plan.Fixes.FixedVulnerabilities...)
		baseline = append(baseline, plan.Fixes.RemainingVulnerabilities...)

		rescanOpts := scanOpts
		result, err := npmvulncheck.ApplyPlan(ctx, plan, npmvulncheck.ApplyOptions{
			Root:           f.root,
			RollbackOnFail: true,
			NoIntroduce:    f.onlyReach,
			Baseline:       baseline,
			RescanOpts:     &rescanOpts,
		})
		if err != nil {
			log.Errorf("apply: %v", err)
			return 1
		}
		log.Infof("applied %d operations, rolled back=%v", len(result.Operations), result.RolledBack)
		return writeResult(f.resultFile, result)

	default:
		log.Errorf("unknown command %q, want one of: scan, plan, apply", f.command)
		return 2
	}
}

func parseUpgradeLevel(s string) remediation.UpgradeLevel {
	switch s {
	case "patch":
		return remediation.UpgradeLevelPatch
	case "major":
		return remediation.UpgradeLevelMajor
	case "any":
		return remediation.UpgradeLevelAny
	default:
		return remediation.UpgradeLevelMinor
	}
}

func writeResult(path string, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("marshaling result: %v", err)
		return 1
	}
	data = append(data, '\n')

	if path == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			log.Errorf("writing result: %v", err)
			return 1
		}
		return 0
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Errorf("writing result to %s: %v", path, err)
		return 1
	}
	return 0
}
