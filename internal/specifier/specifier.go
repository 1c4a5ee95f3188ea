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

// Package specifier classifies and decomposes the string argument of a JS
// import/require/export declaration: is it a relative path, an absolute
// path, a Node builtin, an internal "#" import, or a bare package specifier
// (optionally with a subpath)?
package specifier

import "strings"

// Bare is a parsed bare import specifier, e.g. "@scope/pkg/lib/thing" splits
// into PackageName "@scope/pkg" and Subpath "./lib/thing".
type Bare struct {
	PackageName string
	Subpath     string
}

// IsRelative reports whether spec is a relative path import ("./x", "../x").
func IsRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == ".."
}

// IsAbsolute reports whether spec is an absolute filesystem path import.
func IsAbsolute(spec string) bool {
	return strings.HasPrefix(spec, "/")
}

// IsBuiltin reports whether spec names a Node builtin module, either via the
// explicit "node:" protocol or as a known bare builtin name.
func IsBuiltin(spec string) bool {
	if strings.HasPrefix(spec, "node:") {
		return true
	}
	name := spec
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[:idx]
	}
	return nodeBuiltins[name]
}

// IsInternal reports whether spec is a package "#imports" reference.
func IsInternal(spec string) bool {
	return strings.HasPrefix(spec, "#")
}

// ParseBare attempts to parse spec as a bare package specifier, returning
// ok=false for empty, relative, absolute, "node:"-prefixed, or "#"-prefixed
// specifiers, and for a scoped package with no second path segment
// ("@foo" alone, with no "/name").
func ParseBare(spec string) (Bare, bool) {
	if spec == "" || IsRelative(spec) || IsAbsolute(spec) || strings.HasPrefix(spec, "node:") || IsInternal(spec) {
		return Bare{}, false
	}

	if strings.HasPrefix(spec, "@") {
		firstSlash := strings.IndexByte(spec, '/')
		if firstSlash < 0 {
			// Scoped-without-subpath ("@foo") is rejected.
			return Bare{}, false
		}
		rest := spec[firstSlash+1:]
		secondSlash := strings.IndexByte(rest, '/')
		if secondSlash < 0 {
			return Bare{PackageName: spec, Subpath: "."}, true
		}
		return Bare{
			PackageName: spec[:firstSlash+1+secondSlash],
			Subpath:     "./" + rest[secondSlash+1:],
		}, true
	}

	firstSlash := strings.IndexByte(spec, '/')
	if firstSlash < 0 {
		return Bare{PackageName: spec, Subpath: "."}, true
	}
	return Bare{
		PackageName: spec[:firstSlash],
		Subpath:     "./" + spec[firstSlash+1:],
	}, true
}

// Normalize extracts just the package name from a bare specifier, if any.
func Normalize(spec string) (string, bool) {
	b, ok := ParseBare(spec)
	if !ok {
		return "", false
	}
	return b.PackageName, true
}

// nodeBuiltins lists the commonly shipped Node.js core modules. It is not
// exhaustive of every historical/experimental module, but covers everything
// a real-world import graph is likely to reference.
var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}
