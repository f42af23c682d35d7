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

package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"quasar.dev/core/fetch"
	"quasar.dev/core/specifier"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestBuildFollowsStaticImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.ts", `export const b = 1;`)
	aPath := writeFile(t, dir, "a.ts", `import { b } from "./b.ts"; export { b };`)

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	builder := NewBuilder(f, r)

	root := "file://" + aPath
	g, err := builder.Build(context.Background(), []string{root})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(g.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d: %v", len(g.Nodes), g.SortedSpecifiers())
	}
	aNode, ok := g.Nodes[g.Roots[0]]
	if !ok {
		t.Fatalf("root node missing: %+v", g.Roots)
	}
	if aNode.Error != nil {
		t.Fatalf("root node fetch/parse failed: %v", aNode.Error)
	}
	if len(aNode.Dependencies) != 1 {
		t.Fatalf("expected 1 dependency edge, got %d", len(aNode.Dependencies))
	}
	if aNode.Dependencies[0].Error != nil {
		t.Fatalf("dependency failed to resolve: %v", aNode.Dependencies[0].Error)
	}
}

func TestBuildRecordsMissingDependencyOnEdgeNotWholeGraph(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.ts", `import { x } from "./missing.ts"; export const y = x;`)

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	builder := NewBuilder(f, r)

	root := "file://" + aPath
	g, err := builder.Build(context.Background(), []string{root})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	aNode := g.Nodes[g.Roots[0]]
	if aNode == nil {
		t.Fatal("root node missing")
	}
	if aNode.Error != nil {
		t.Fatalf("the root module itself parsed fine, should not have an Error: %v", aNode.Error)
	}
	if len(aNode.Dependencies) != 1 {
		t.Fatalf("expected 1 dependency edge, got %d", len(aNode.Dependencies))
	}
}
