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

package parse

import "testing"

func TestParseStaticImports(t *testing.T) {
	src := []byte(`import { foo } from "./foo.ts";
export { bar } from "./bar.ts";
export const baz = 1;
`)
	result, err := Parse("file:///a.ts", src, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var sawFoo, sawBar bool
	for _, d := range result.Dependencies {
		if d.Specifier == "./foo.ts" && d.Kind == DepStaticImport {
			sawFoo = true
		}
		if d.Specifier == "./bar.ts" && d.Kind == DepExportFrom {
			sawBar = true
		}
	}
	if !sawFoo {
		t.Fatalf("expected a static import dependency on ./foo.ts, got %+v", result.Dependencies)
	}
	if !sawBar {
		t.Fatalf("expected an export-from dependency on ./bar.ts, got %+v", result.Dependencies)
	}
}

func TestParseDynamicImport(t *testing.T) {
	src := []byte(`async function load() { return import("./lazy.ts"); }`)
	result, err := Parse("file:///a.ts", src, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	found := false
	for _, d := range result.Dependencies {
		if d.Specifier == "./lazy.ts" && d.Kind == DepDynamicImport {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dynamic import dependency on ./lazy.ts, got %+v", result.Dependencies)
	}
}

func TestTripleSlashReferenceTypes(t *testing.T) {
	src := []byte(`/// <reference types="./shims.d.ts" />
export {}
`)
	result, err := Parse("file:///a.ts", src, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	found := false
	for _, d := range result.Dependencies {
		if d.Specifier == "./shims.d.ts" && d.Kind == DepTripleSlashTypes {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a triple-slash types dependency, got %+v", result.Dependencies)
	}
}

func TestExtractAttrRoundTrip(t *testing.T) {
	got, ok := extractAttr(`/// <reference lib="dom" />`, "lib")
	if !ok || got != "dom" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := extractAttr(`/// <reference lib="dom" />`, "types"); ok {
		t.Fatal("expected no match for types attr")
	}
}
