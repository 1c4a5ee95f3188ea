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

// Package lockfile defines the common interface every package-manager
// dialect provider (npm, pnpm, yarn) implements, plus the shared
// detect/load result types the provider registry and scan orchestrator
// operate on.
package lockfile

import (
	"io/fs"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
)

// Manager names a package-manager dialect.
type Manager string

// Recognised managers.
const (
	ManagerNPM  Manager = "npm"
	ManagerPNPM Manager = "pnpm"
	ManagerYarn Manager = "yarn"
)

// Mode selects how a provider should gather its graph.
type Mode string

// Recognised scan modes.
const (
	ModeLockfile Mode = "lockfile"
	ModeInstalled Mode = "installed"
	ModeSource    Mode = "source"
)

// DetectResult describes a positively detected provider.
type DetectResult struct {
	Manager      Manager
	LockfilePath string // path of the detected lockfile, set the same way in every mode.
	Details      string
}

// Capabilities declares which resolution strategies a provider can offer on
// top of its base lockfile-derived graph.
type Capabilities struct {
	LockfileResolver bool
	FSResolver       bool
	PnPResolver      bool
}

// ProviderContext is everything a loaded provider hands back to the
// scanner: the detection info, the normalized graph, its capabilities, and
// (if it has one) a Resolver to drive reachability analysis.
type ProviderContext struct {
	Detect       DetectResult
	Graph        *graphmodel.DepGraph
	Capabilities Capabilities
	Resolver     graphmodel.Resolver
}

// Provider is implemented once per package-manager dialect.
type Provider interface {
	// Manager identifies which dialect this provider implements.
	Manager() Manager

	// Detect reports whether root looks like a project for this provider,
	// without loading the full graph.
	Detect(root string, fsys fs.FS) (DetectResult, bool)

	// Load builds the full ProviderContext for root from its lockfile. Every
	// provider reads the lockfile in every mode; mode only decides
	// Capabilities.FSResolver (set for any mode other than ModeLockfile).
	// No provider builds its graph by walking an installed node_modules tree.
	Load(root string, fsys fs.FS, mode Mode, includeDev bool) (*ProviderContext, error)
}
