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

package sourceimport_test

import (
	"context"
	"testing"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
	"github.com/ossguard/npmvulncheck/internal/sourceimport"
)

func TestParseFile_JavaScript(t *testing.T) {
	src := []byte(`
import express from "express";
import { Router } from "express";
const lodash = require("lodash");
export { helper } from "./helper";
async function load() {
  await import("dynamic-pkg");
}
`)
	imports, err := sourceimport.ParseFile(context.Background(), "app.js", src)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	want := map[string]graphmodel.ImportKind{
		"express":     graphmodel.ImportESM,
		"lodash":      graphmodel.ImportCJS,
		"./helper":    graphmodel.ImportESM,
		"dynamic-pkg": graphmodel.ImportDynamic,
	}
	got := map[string]graphmodel.ImportKind{}
	for _, imp := range imports {
		got[imp.Specifier] = imp.Kind
	}
	for spec, kind := range want {
		if got[spec] != kind {
			t.Errorf("specifier %q: got kind %v, want %v (all: %+v)", spec, got[spec], kind, imports)
		}
	}
}

func TestParseFile_TypeScriptTypeOnly(t *testing.T) {
	src := []byte(`
import type { Foo } from "foo-types";
import { type Bar, Baz } from "mixed-types";
import Real from "real-pkg";
`)
	imports, err := sourceimport.ParseFile(context.Background(), "app.ts", src)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	typeOnly := map[string]bool{}
	for _, imp := range imports {
		typeOnly[imp.Specifier] = imp.TypeOnly
	}
	if !typeOnly["foo-types"] {
		t.Error("expected foo-types import to be type-only")
	}
	if typeOnly["mixed-types"] {
		t.Error("mixed-types import has a non-type binding and must not be type-only")
	}
	if typeOnly["real-pkg"] {
		t.Error("real-pkg import is a plain value import")
	}
}

func TestParseFile_UnknownSpecifier(t *testing.T) {
	src := []byte(`
const dep = require(computeName());
`)
	imports, err := sourceimport.ParseFile(context.Background(), "app.js", src)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(imports) != 1 || !imports[0].Unknown {
		t.Fatalf("expected one unknown require() import, got %+v", imports)
	}
}

func TestParseFile_UnsupportedExtension(t *testing.T) {
	if _, err := sourceimport.ParseFile(context.Background(), "data.txt", []byte("x")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
