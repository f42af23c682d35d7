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

package specifier

import "testing"

func TestImportMapScopeTakesPrecedenceOverTopLevel(t *testing.T) {
	im := &ImportMap{
		Imports: map[string]string{"lit": "https://esm.sh/lit@3.0.0"},
		Scopes: map[string]map[string]string{
			"/vendor/": {"lit": "https://esm.sh/lit@2.0.0"},
		},
	}

	got, ok := im.Resolve("lit", "/vendor/widget.js")
	if !ok || got != "https://esm.sh/lit@2.0.0" {
		t.Fatalf("expected scoped entry, got %q ok=%v", got, ok)
	}

	got, ok = im.Resolve("lit", "/app/main.js")
	if !ok || got != "https://esm.sh/lit@3.0.0" {
		t.Fatalf("expected top-level entry, got %q ok=%v", got, ok)
	}
}

func TestImportMapLongestScopeWins(t *testing.T) {
	im := &ImportMap{
		Imports: map[string]string{},
		Scopes: map[string]map[string]string{
			"/vendor/":      {"x": "/a.js"},
			"/vendor/deep/": {"x": "/b.js"},
		},
	}

	got, ok := im.Resolve("x", "/vendor/deep/widget.js")
	if !ok || got != "/b.js" {
		t.Fatalf("expected the more specific scope to win, got %q", got)
	}
}

func TestImportMapPackagePrefixExpansion(t *testing.T) {
	im := &ImportMap{
		Imports: map[string]string{"lit/": "https://esm.sh/lit@3.0.0/"},
	}
	got, ok := im.Resolve("lit/decorators.js", "/app/main.js")
	if !ok || got != "https://esm.sh/lit@3.0.0/decorators.js" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestImportMapNoMatchReturnsFalse(t *testing.T) {
	im := &ImportMap{Imports: map[string]string{}}
	if _, ok := im.Resolve("unmapped", "/app/main.js"); ok {
		t.Fatal("expected no match")
	}
}

func TestParseImportMap(t *testing.T) {
	im, err := ParseImportMap([]byte(`{"imports":{"a":"b"},"scopes":{"/x/":{"a":"c"}}}`))
	if err != nil {
		t.Fatalf("ParseImportMap: %v", err)
	}
	if im.Imports["a"] != "b" || im.Scopes["/x/"]["a"] != "c" {
		t.Fatalf("unexpected parse result: %+v", im)
	}
}
