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

// Package sourceimport extracts import/require/export-from/dynamic-import
// tuples from a single JavaScript or TypeScript source file, using
// tree-sitter to locate statement boundaries so the extraction survives
// syntax the reachability engine itself doesn't need to fully understand.
package sourceimport

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/ossguard/npmvulncheck/internal/graphmodel"
)

// ParsedImport is one import/require/export-from/dynamic-import site found
// in a source file.
type ParsedImport struct {
	Kind       graphmodel.ImportKind
	Specifier  string
	TypeOnly   bool
	Unknown    bool
	Line       int // 1-based
	Column     int // 1-based
	Text       string
}

// ParseError wraps a recoverable per-file parse failure. The reachability
// engine treats it as "this file's imports are unknown", not as a fatal
// scan error.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sourceimport: %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseFile parses content, the UTF-8 text of the file at path, and returns
// every static import/re-export, require(), and dynamic import() found in
// it. The extension of path selects the grammar.
func ParseFile(ctx context.Context, path string, content []byte) ([]ParsedImport, error) {
	lang := languageFor(path)
	if lang == nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("unrecognised source extension %q", filepath.Ext(path))}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		// Still walk what we have: tree-sitter produces a best-effort tree
		// even for invalid syntax, and partial extraction beats none. The
		// caller is responsible for treating the file as contributing
		// unknown imports regardless.
		if root == nil {
			return nil, &ParseError{Path: path, Err: fmt.Errorf("failed to parse %s", path)}
		}
	}

	var out []ParsedImport
	walk(root, content, &out)
	return out, nil
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".js", ".mjs", ".cjs", ".jsx":
		return javascript.GetLanguage()
	default:
		return nil
	}
}

func walk(n *sitter.Node, src []byte, out *[]ParsedImport) {
	if n == nil {
		return
	}

	switch n.Type() {
	case "import_statement":
		if imp, ok := parseImportStatement(n, src); ok {
			*out = append(*out, imp)
		}
	case "export_statement":
		if imp, ok := parseExportFrom(n, src); ok {
			*out = append(*out, imp)
		}
	case "call_expression":
		if imp, ok := parseCallExpression(n, src); ok {
			*out = append(*out, imp)
		}
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), src, out)
	}
}

func position(n *sitter.Node) (line, col int) {
	p := n.StartPoint()
	return int(p.Row) + 1, int(p.Column) + 1
}

func parseImportStatement(n *sitter.Node, src []byte) (ParsedImport, bool) {
	source := n.ChildByFieldName("source")
	line, col := position(n)
	text := n.Content(src)

	imp := ParsedImport{
		Kind:   graphmodel.ImportESM,
		Line:   line,
		Column: col,
		Text:   text,
	}
	if source == nil || source.Type() != "string" {
		imp.Unknown = true
		return imp, true
	}
	imp.Specifier = stringLiteralValue(source, src)
	imp.TypeOnly = importClauseIsTypeOnly(text)
	return imp, true
}

func parseExportFrom(n *sitter.Node, src []byte) (ParsedImport, bool) {
	source := n.ChildByFieldName("source")
	if source == nil {
		// "export { x }" / "export const x = ..." without a module source:
		// not a re-export, nothing to resolve.
		return ParsedImport{}, false
	}

	line, col := position(n)
	text := n.Content(src)
	imp := ParsedImport{
		Kind:   graphmodel.ImportESM,
		Line:   line,
		Column: col,
		Text:   text,
	}
	if source.Type() != "string" {
		imp.Unknown = true
		return imp, true
	}
	imp.Specifier = stringLiteralValue(source, src)
	imp.TypeOnly = importClauseIsTypeOnly(text)
	return imp, true
}

func parseCallExpression(n *sitter.Node, src []byte) (ParsedImport, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return ParsedImport{}, false
	}

	var kind graphmodel.ImportKind
	switch {
	case fn.Type() == "import":
		kind = graphmodel.ImportDynamic
	case fn.Type() == "identifier" && fn.Content(src) == "require":
		kind = graphmodel.ImportCJS
	default:
		return ParsedImport{}, false
	}

	args := n.ChildByFieldName("arguments")
	line, col := position(n)
	imp := ParsedImport{
		Kind:   kind,
		Line:   line,
		Column: col,
		Text:   n.Content(src),
	}

	arg := firstArgument(args)
	if arg == nil || arg.Type() != "string" {
		imp.Unknown = true
		return imp, true
	}
	imp.Specifier = stringLiteralValue(arg, src)
	return imp, true
}

func firstArgument(args *sitter.Node) *sitter.Node {
	if args == nil {
		return nil
	}
	for i := 0; i < int(args.ChildCount()); i++ {
		c := args.Child(i)
		if c.IsNamed() {
			return c
		}
	}
	return nil
}

// stringLiteralValue strips the surrounding quote characters from a
// tree-sitter "string" node's raw text.
func stringLiteralValue(n *sitter.Node, src []byte) string {
	text := n.Content(src)
	if len(text) >= 2 {
		first := text[0]
		if (first == '"' || first == '\'' || first == '`') && text[len(text)-1] == first {
			return text[1 : len(text)-1]
		}
	}
	return text
}

var (
	wholeClauseTypeOnly = regexp.MustCompile(`^(?:import|export)\s+type\b`)
	namedBindingsBlock  = regexp.MustCompile(`\{([^}]*)\}`)
)

// importClauseIsTypeOnly reports whether an import/export declaration's raw
// text marks it as type-only, either via a leading "import type"/"export
// type", or because every binding in its named-imports block carries its
// own "type" marker (e.g. "import { type A, type B } from 'x'").
func importClauseIsTypeOnly(text string) bool {
	if wholeClauseTypeOnly.MatchString(strings.TrimSpace(text)) {
		return true
	}

	m := namedBindingsBlock.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	bindings := strings.Split(m[1], ",")
	found := false
	for _, b := range bindings {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		found = true
		if !strings.HasPrefix(b, "type ") && b != "type" {
			return false
		}
	}
	return found
}
