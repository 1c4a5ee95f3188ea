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

package yarnprovider_test

import (
	"testing"
	"testing/fstest"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/lockfile"
	"github.com/ossguard/npmvulncheck/internal/lockfile/yarnprovider"
)

const lockV1 = `# THIS IS AN AUTOGENERATED FILE.
# yarn lockfile v1


"left-pad@^1.3.0":
  version "1.3.0"
  resolved "https://registry.yarnpkg.com/left-pad/-/left-pad-1.3.0.tgz#deadbeef"
  dependencies:
    tiny-helper "^2.0.0"

"tiny-helper@^2.0.0":
  version "2.0.0"
  resolved "https://registry.yarnpkg.com/tiny-helper/-/tiny-helper-2.0.0.tgz#feedface"

"mocha@^9.0.0":
  version "9.0.0"
  resolved "https://registry.yarnpkg.com/mocha/-/mocha-9.0.0.tgz#beefdead"
`

const lockBerry = `__metadata:
  version: 6
  cacheKey: 8

"left-pad@npm:^1.3.0":
  version: 1.3.0
  resolution: "left-pad@npm:1.3.0"
  dependencies:
    tiny-helper: "npm:^2.0.0"
  checksum: abc123
  languageName: node
  linkType: hard

"tiny-helper@npm:^2.0.0":
  version: 2.0.0
  resolution: "tiny-helper@npm:2.0.0"
  checksum: def456
  languageName: node
  linkType: hard
`

func TestLoad_ClassicV1(t *testing.T) {
	p := yarnprovider.New()
	fsys := fstest.MapFS{"yarn.lock": &fstest.MapFile{Data: []byte(lockV1)}}

	det, ok := p.Detect(".", fsys)
	if !ok || det.Manager != lockfile.ManagerYarn {
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
		t.Error("expected left-pad -> tiny-helper edge from the dependencies: sub-block")
	}

	rootDeps := ctx.Graph.Children(ctx.Graph.RootID)
	if len(rootDeps) != 2 {
		t.Fatalf("expected 2 direct root deps (left-pad, mocha), got %+v", rootDeps)
	}
}

func TestLoad_Berry(t *testing.T) {
	p := yarnprovider.New()
	fsys := fstest.MapFS{"yarn.lock": &fstest.MapFile{Data: []byte(lockBerry)}}

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
		t.Error("expected left-pad -> tiny-helper edge parsed from Berry dependencies: block")
	}
}

func TestResolver_ByName(t *testing.T) {
	p := yarnprovider.New()
	fsys := fstest.MapFS{"yarn.lock": &fstest.MapFile{Data: []byte(lockV1)}}

	ctx, err := p.Load(".", fsys, lockfile.ModeLockfile, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	node, outcome := ctx.Resolver.ResolvePackage("tiny-helper", "index.js", graphmodel.ImportCJS, nil)
	if outcome != graphmodel.ResolveOK {
		t.Fatalf("expected ResolveOK, got %v", outcome)
	}
	if ctx.Graph.Nodes[node].Name != "tiny-helper" {
		t.Fatalf("resolved to %q, want tiny-helper", ctx.Graph.Nodes[node].Name)
	}
}
