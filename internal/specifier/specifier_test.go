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

package specifier_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ossguard/npmvulncheck/internal/specifier"
)

func TestParseBare(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want specifier.Bare
		ok   bool
	}{
		{name: "plain package", spec: "express", want: specifier.Bare{PackageName: "express", Subpath: "."}, ok: true},
		{name: "plain package subpath", spec: "lodash/fp", want: specifier.Bare{PackageName: "lodash", Subpath: "./fp"}, ok: true},
		{name: "scoped package", spec: "@babel/core", want: specifier.Bare{PackageName: "@babel/core", Subpath: "."}, ok: true},
		{name: "scoped package subpath", spec: "@babel/core/lib/thing", want: specifier.Bare{PackageName: "@babel/core", Subpath: "./lib/thing"}, ok: true},
		{name: "scoped without subpath is rejected", spec: "@babel", ok: false},
		{name: "empty", spec: "", ok: false},
		{name: "relative", spec: "./foo", ok: false},
		{name: "relative parent", spec: "../foo", ok: false},
		{name: "absolute", spec: "/foo", ok: false},
		{name: "node protocol", spec: "node:fs", ok: false},
		{name: "internal import", spec: "#internal", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := specifier.ParseBare(tc.spec)
			if ok != tc.ok {
				t.Fatalf("ParseBare(%q) ok = %v, want %v", tc.spec, ok, tc.ok)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseBare(%q) mismatch (-want +got):\n%s", tc.spec, diff)
			}
		})
	}
}

func TestIsBuiltin(t *testing.T) {
	tests := []struct {
		spec string
		want bool
	}{
		{"fs", true},
		{"node:fs", true},
		{"node:fs/promises", true},
		{"fs/promises", true},
		{"express", false},
		{"@scope/pkg", false},
	}
	for _, tc := range tests {
		if got := specifier.IsBuiltin(tc.spec); got != tc.want {
			t.Errorf("IsBuiltin(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
}

func TestIsRelativeAbsolute(t *testing.T) {
	if !specifier.IsRelative("./foo") || !specifier.IsRelative("../foo") {
		t.Error("expected relative specifiers to be recognised")
	}
	if specifier.IsRelative("foo") {
		t.Error("bare specifier misclassified as relative")
	}
	if !specifier.IsAbsolute("/foo/bar") {
		t.Error("expected absolute specifier to be recognised")
	}
}
