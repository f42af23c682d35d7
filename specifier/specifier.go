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

// Package specifier implements C1: turning a raw reference string plus a
// referrer into a canonical module specifier (spec.md §4.1).
package specifier

import (
	"net/url"
	"path"
	"strings"
)

// Scheme is the URI scheme of a canonicalized specifier.
type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeHTTP Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeData Scheme = "data"
	SchemeNpm  Scheme = "npm"
	SchemeJSR  Scheme = "jsr"
	SchemeNode Scheme = "node"
	SchemeBlob Scheme = "blob"
	SchemeWasm Scheme = "wasm"
)

// Specifier is a canonicalized absolute module locator. Equality is plain
// string equality on Text after normalization (spec.md §3).
type Specifier struct {
	Scheme Scheme
	Text   string
}

func (s Specifier) String() string { return s.Text }

// Kind distinguishes a static import/export from a dynamic import() or a
// types-only reference, mirroring the engine's requested-module kind.
type Kind int

const (
	KindCode Kind = iota
	KindTypes
)

// Position is a source location attached to resolution errors for
// diagnostics (spec.md §4.1 step 6).
type Position struct {
	Specifier string
	Line      int
	Column    int
}

// knownSchemes lists URI schemes recognized directly, without bare- or
// relative-specifier handling.
var knownSchemes = map[string]Scheme{
	"file":  SchemeFile,
	"http":  SchemeHTTP,
	"https": SchemeHTTPS,
	"data":  SchemeData,
	"npm":   SchemeNpm,
	"jsr":   SchemeJSR,
	"node":  SchemeNode,
	"blob":  SchemeBlob,
}

// hasScheme reports whether raw begins with a URI scheme, per RFC 3986
// (ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ) ":").
func hasScheme(raw string) bool {
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return false
	}
	scheme := raw[:idx]
	for i, r := range scheme {
		if i == 0 {
			if !isAlpha(r) {
				return false
			}
			continue
		}
		if !isAlpha(r) && !isDigit(r) && r != '+' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func isAlpha(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// IsRelative reports whether raw is a relative or absolute-path specifier
// (spec.md §4.1 step 4) as opposed to a bare specifier.
func IsRelative(raw string) bool {
	return strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") || strings.HasPrefix(raw, "/")
}

// Normalize applies scheme-specific canonicalization: percent-encoding,
// path collapse, and case-preservation per scheme (spec.md §3). `file` and
// `npm`/`node` specifiers preserve case; `http(s)` hostnames are
// lower-cased.
func Normalize(scheme Scheme, raw string) (string, error) {
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeBlob:
		u, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		u.Host = strings.ToLower(u.Host)
		u.Path = path.Clean(u.Path)
		if u.Path == "." {
			u.Path = "/"
		}
		return u.String(), nil
	case SchemeFile:
		u, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		u.Path = path.Clean(u.Path)
		return u.String(), nil
	default:
		return raw, nil
	}
}

// SchemeOf extracts the Scheme from a raw reference that carries one, or
// ("", false) if raw has no recognizable scheme.
func SchemeOf(raw string) (Scheme, bool) {
	if !hasScheme(raw) {
		return "", false
	}
	idx := strings.Index(raw, ":")
	s, ok := knownSchemes[strings.ToLower(raw[:idx])]
	return s, ok
}
