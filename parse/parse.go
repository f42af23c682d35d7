/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package parse implements C4: extracting the static and dynamic
// dependencies, re-exports, and exported names of a module's source text
// via tree-sitter, plus `/// <reference types|lib="..."/>` directives,
// which become types edges. @deno-types-style pragmas are not extracted.
package parse

import (
	"fmt"
	"strings"
	"sync"

	ts "github.com/tree-sitter/go-tree-sitter"
	tsTypescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"quasar.dev/core/internal/errs"
	"quasar.dev/core/specifier"
)

// DependencyKind distinguishes how a module referred to another.
type DependencyKind int

const (
	DepStaticImport DependencyKind = iota
	DepDynamicImport
	DepExportFrom
	DepTripleSlashTypes
	DepTripleSlashLib
)

// Dependency is one static or dynamic reference discovered in a module's
// source, with the position needed to attribute resolution errors.
type Dependency struct {
	Specifier string
	Kind      DependencyKind
	Pos       specifier.Position
	// MaybeTypes marks a dynamic import() whose promotion to a
	// type-only edge depends on how it is used (spec.md §4.1's
	// maybe_types rule); the graph builder resolves it.
	MaybeTypes bool
}

// ExportedName is a top-level binding a module makes available, either
// declared locally or re-exported from another specifier.
type ExportedName struct {
	Name       string
	IsDefault  bool
	ReExportOf string // non-empty if this name flows through from another module
}

// Result is everything the graph builder needs from parsing one module's
// source text.
type Result struct {
	Dependencies []Dependency
	Exports      []ExportedName
	HasStarExport bool
}

var (
	typescriptPool = sync.Pool{New: func() any {
		parser := ts.NewParser()
		lang := ts.NewLanguage(tsTypescript.LanguageTypescript())
		if err := parser.SetLanguage(lang); err != nil {
			panic(fmt.Sprintf("parse: failed to set typescript language: %v", err))
		}
		return parser
	}}
	tsxPool = sync.Pool{New: func() any {
		parser := ts.NewParser()
		lang := ts.NewLanguage(tsTypescript.LanguageTSX())
		if err := parser.SetLanguage(lang); err != nil {
			panic(fmt.Sprintf("parse: failed to set tsx language: %v", err))
		}
		return parser
	}}
)

func retrieveParser(isTSX bool) *ts.Parser {
	if isTSX {
		return tsxPool.Get().(*ts.Parser)
	}
	return typescriptPool.Get().(*ts.Parser)
}

func putParser(isTSX bool, p *ts.Parser) {
	p.Reset()
	if isTSX {
		tsxPool.Put(p)
	} else {
		typescriptPool.Put(p)
	}
}

// Parse extracts dependencies and exported names from source. isTSX
// selects the TSX grammar dialect (for .tsx / .jsx media types); every
// other JS/TS media type uses the plain TypeScript grammar, which is a
// strict superset of JavaScript syntax.
func Parse(specifierText string, source []byte, isTSX bool) (Result, error) {
	parser := retrieveParser(isTSX)
	defer putParser(isTSX, parser)

	tree := parser.Parse(source, nil)
	if tree == nil {
		return Result{}, errs.Parse(specifierText, "", fmt.Errorf("tree-sitter returned no parse tree"))
	}
	defer tree.Close()

	var result Result
	walk(tree.RootNode(), source, &result)
	result.Dependencies = append(result.Dependencies, tripleSlashReferences(source)...)
	return result, nil
}

func walk(node *ts.Node, source []byte, result *Result) {
	if node == nil {
		return
	}
	switch node.Kind() {
	case "import_statement":
		handleImportStatement(node, source, result)
	case "export_statement":
		handleExportStatement(node, source, result)
	case "call_expression":
		handleCallExpression(node, source, result)
	}

	count := node.NamedChildCount()
	for i := uint(0); i < count; i++ {
		walk(node.NamedChild(i), source, result)
	}
}

func stringLiteralValue(node *ts.Node, source []byte) (string, bool) {
	if node == nil {
		return "", false
	}
	if node.Kind() != "string" {
		return "", false
	}
	count := node.NamedChildCount()
	for i := uint(0); i < count; i++ {
		child := node.NamedChild(i)
		if child.Kind() == "string_fragment" {
			return child.Utf8Text(source), true
		}
	}
	text := node.Utf8Text(source)
	return strings.Trim(text, `"'`), true
}

func posOf(node *ts.Node, specifierText string) specifier.Position {
	point := node.StartPosition()
	return specifier.Position{Specifier: specifierText, Line: int(point.Row) + 1, Column: int(point.Column) + 1}
}

func handleImportStatement(node *ts.Node, source []byte, result *Result) {
	sourceNode := node.ChildByFieldName("source")
	spec, ok := stringLiteralValue(sourceNode, source)
	if !ok {
		return
	}
	result.Dependencies = append(result.Dependencies, Dependency{
		Specifier: spec,
		Kind:      DepStaticImport,
		Pos:       posOf(node, ""),
	})
}

func handleExportStatement(node *ts.Node, source []byte, result *Result) {
	sourceNode := node.ChildByFieldName("source")
	if sourceNode != nil {
		spec, ok := stringLiteralValue(sourceNode, source)
		if ok {
			result.Dependencies = append(result.Dependencies, Dependency{
				Specifier: spec,
				Kind:      DepExportFrom,
				Pos:       posOf(node, ""),
			})
		}
	}

	text := node.Utf8Text(source)
	if strings.Contains(text, "export *") && sourceNode != nil {
		result.HasStarExport = true
	}

	count := node.NamedChildCount()
	for i := uint(0); i < count; i++ {
		child := node.NamedChild(i)
		switch child.Kind() {
		case "identifier":
			result.Exports = append(result.Exports, ExportedName{Name: child.Utf8Text(source)})
		case "export_clause":
			extractExportClause(child, source, result)
		}
	}
	if strings.Contains(text, "export default") {
		result.Exports = append(result.Exports, ExportedName{Name: "default", IsDefault: true})
	}
}

func extractExportClause(node *ts.Node, source []byte, result *Result) {
	count := node.NamedChildCount()
	for i := uint(0); i < count; i++ {
		spec := node.NamedChild(i)
		if spec.Kind() != "export_specifier" {
			continue
		}
		name := spec.Utf8Text(source)
		if alias := spec.ChildByFieldName("alias"); alias != nil {
			name = alias.Utf8Text(source)
		}
		result.Exports = append(result.Exports, ExportedName{Name: name})
	}
}

func handleCallExpression(node *ts.Node, source []byte, result *Result) {
	fn := node.ChildByFieldName("function")
	if fn == nil || fn.Kind() != "import" {
		return
	}
	args := node.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return
	}
	spec, ok := stringLiteralValue(args.NamedChild(0), source)
	if !ok {
		return
	}
	result.Dependencies = append(result.Dependencies, Dependency{
		Specifier:  spec,
		Kind:       DepDynamicImport,
		Pos:        posOf(node, ""),
		MaybeTypes: true,
	})
}

// tripleSlashReferences scans leading comment lines for
// `/// <reference types="..."/>` and `/// <reference lib="..."/>`
// directives, which tree-sitter treats as plain comments.
func tripleSlashReferences(source []byte) []Dependency {
	var deps []Dependency
	lines := strings.Split(string(source), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "///") {
			if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
				break
			}
			continue
		}
		if spec, ok := extractAttr(trimmed, "types"); ok {
			deps = append(deps, Dependency{Specifier: spec, Kind: DepTripleSlashTypes, Pos: specifier.Position{Line: i + 1}})
		} else if spec, ok := extractAttr(trimmed, "lib"); ok {
			deps = append(deps, Dependency{Specifier: spec, Kind: DepTripleSlashLib, Pos: specifier.Position{Line: i + 1}})
		}
	}
	return deps
}

func extractAttr(line, attr string) (string, bool) {
	marker := attr + `="`
	idx := strings.Index(line, marker)
	if idx == -1 {
		return "", false
	}
	rest := line[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}
