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

package pnpmprovider_test

import (
	"testing"
	"testing/fstest"

	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/lockfile/pnpmprovider"
)

const lockV9 = `
lockfileVersion: '9.0'

importers:
  .:
    dependencies:
      left-pad:
        specifier: ^1.3.0
        version: 1.3.0
    devDependencies:
      mocha:
        specifier: ^9.0.0
        version: 9.0.0

packages:
  left-pad@1.3.0:
    resolution: {integrity: sha512-deadbeef==}
  tiny-helper@2.0.0:
    resolution: {integrity: sha512-feedface==}
  mocha@9.0.0:
    resolution: {integrity: sha512-beefdead==}

snapshots:
  left-pad@1.3.0:
    dependencies:
      tiny-helper: 2.0.0
  tiny-helper@2.0.0: {}
  mocha@9.0.0: {}
`

func TestLoad_V9(t *testing.T) {
	p := pnpmprovider.New()
	fsys := fstest.MapFS{"pnpm-lock.yaml": &fstest.MapFile{Data: []byte(lockV9)}}

	det, ok := p.Detect(".", fsys)
	if !ok || det.Manager != lockfile.ManagerPNPM {
		t.Fatalf("Detect: %+v, %v", det, ok)
	}

	ctx, err := p.Load(".", fsys, lockfile.ModeLockfile, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	leftPad := ctx.Graph.NodesByName("left-pad")
	if len(leftPad) != 1 || leftPad[0].Version != "1.3.0" {
		t.Fatalf("left-pad = %+v", leftPad)
	}

	tinyHelper := ctx.Graph.NodesByName("tiny-helper")
	if len(tinyHelper) != 1 || tinyHelper[0].Version != "2.0.0" {
		t.Fatalf("tiny-helper = %+v", tinyHelper)
	}

	foundEdge := false
	for _, e := range ctx.Graph.Children(leftPad[0].ID) {
		if e.To == tinyHelper[0].ID {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Error("expected left-pad -> tiny-helper edge from snapshots")
	}

	rootDeps := ctx.Graph.Children(ctx.Graph.RootID)
	if len(rootDeps) != 2 {
		t.Fatalf("expected 2 direct deps from importer '.', got %+v", rootDeps)
	}

	mocha := ctx.Graph.NodesByName("mocha")
	if len(mocha) != 1 || !mocha[0].Flags.Dev {
		t.Fatalf("mocha should be flagged dev, got %+v", mocha)
	}
}
