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

package fetch

import (
	"testing"

	"quasar.dev/core/specifier"
)

func TestFetchDataURLPlainText(t *testing.T) {
	f := New(t.TempDir(), Permissions{})
	result, err := f.Fetch(specifier.Specifier{Scheme: specifier.SchemeData, Text: "data:text/javascript,console.log(1)"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(result.Source) != "console.log(1)" {
		t.Fatalf("got %q", result.Source)
	}
	if result.MediaType != MediaJavaScript {
		t.Fatalf("got media type %q", result.MediaType)
	}
}

func TestFetchDataURLBase64(t *testing.T) {
	f := New(t.TempDir(), Permissions{})
	result, err := f.Fetch(specifier.Specifier{Scheme: specifier.SchemeData, Text: "data:text/plain;base64,aGVsbG8="})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(result.Source) != "hello" {
		t.Fatalf("got %q", result.Source)
	}
}

func TestMediaTypeFromExtensionPrecedence(t *testing.T) {
	if got := mediaTypeFromExtension("/x/a.ts", ""); got != MediaTypeScript {
		t.Fatalf("got %q", got)
	}
	if got := mediaTypeFromExtension("/x/a.d.ts", ""); got != MediaDts {
		t.Fatalf("got %q", got)
	}
	if got := mediaTypeFromExtension("/x/a.ts", "application/javascript"); got != MediaJavaScript {
		t.Fatalf("content-type header should win over extension, got %q", got)
	}
	if got := mediaTypeFromExtension("/x/unknown.bin", ""); got != MediaUnknown {
		t.Fatalf("got %q", got)
	}
}

func TestFetchFileRequiresReadPermission(t *testing.T) {
	f := New(t.TempDir(), Permissions{AllowRead: false})
	_, err := f.Fetch(specifier.Specifier{Scheme: specifier.SchemeFile, Text: "file:///tmp/does-not-matter.ts"})
	if err == nil {
		t.Fatal("expected permission error")
	}
}
