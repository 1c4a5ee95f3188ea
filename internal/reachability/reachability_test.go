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

package reachability_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/reachability"
)

// stubResolver resolves any bare package name to a pre-registered node,
// ignoring subpaths/conditions, mirroring a minimal lockfile provider
// resolver for test purposes.
type stubResolver struct {
	byName map[string]graphmodel.NodeID
}

func (s *stubResolver) ResolvePackage(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) (graphmodel.NodeID, graphmodel.ResolveOutcome) {
	name := spec
	for i, c := range spec {
		if c == '/' {
			name = spec[:i]
			break
		}
	}
	if id, ok := s.byName[name]; ok {
		return id, graphmodel.ResolveOK
	}
	return 0, graphmodel.ResolveUnresolved
}

func (s *stubResolver) ResolveCandidates(spec, fromFile string, kind graphmodel.ImportKind, conditions []string) []graphmodel.NodeID {
	return nil
}

func (s *stubResolver) ResolveInternalImport(spec, fromFile string, conditions []string) (string, bool) {
	return "", false
}

func TestRun_SeedsAndPropagates(t *testing.T) {
	root := &graphmodel.PackageNode{Name: ".", Version: "0.0.0", Source: graphmodel.SourceWorkspace}
	g := graphmodel.NewDepGraph(root)
	leftPad := g.AddNode(&graphmodel.PackageNode{Name: "left-pad", Version: "1.3.0", Source: graphmodel.SourceRegistry})
	tinyHelper := g.AddNode(&graphmodel.PackageNode{Name: "tiny-helper", Version: "2.0.0", Source: graphmodel.SourceRegistry})
	g.AddEdge(graphmodel.DependencyEdge{From: leftPad, To: tinyHelper, Name: "tiny-helper", Type: graphmodel.DepProd})

	resolver := &stubResolver{byName: map[string]graphmodel.NodeID{"left-pad": leftPad}}

	fsys := fstest.MapFS{
		"package.json": &fstest.MapFile{Data: []byte(`{"main":"index.js"}`)},
		"index.js":     &fstest.MapFile{Data: []byte(`const pad = require("left-pad");`)},
	}

	res, err := reachability.Run(context.Background(), ".", fsys, g, resolver, nil, reachability.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EntriesScanned != 1 {
		t.Fatalf("EntriesScanned = %d, want 1", res.EntriesScanned)
	}
	if _, ok := res.ByNodeID[leftPad]; !ok {
		t.Error("left-pad should be directly seeded")
	}
	if _, ok := res.ByNodeID[tinyHelper]; !ok {
		t.Error("tiny-helper should be reached via propagation from left-pad")
	}
	if res.HasUnknownImports {
		t.Error("did not expect unknown imports")
	}
}

func TestRun_NoEntries(t *testing.T) {
	root := &graphmodel.PackageNode{Name: ".", Version: "0.0.0", Source: graphmodel.SourceWorkspace}
	g := graphmodel.NewDepGraph(root)
	fsys := fstest.MapFS{}

	res, err := reachability.Run(context.Background(), ".", fsys, g, &stubResolver{byName: map[string]graphmodel.NodeID{}}, nil, reachability.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EntriesScanned != 0 {
		t.Errorf("EntriesScanned = %d, want 0", res.EntriesScanned)
	}
	if len(res.ByNodeID) != 0 {
		t.Errorf("expected no seeded nodes, got %+v", res.ByNodeID)
	}
}
