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

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"quasar.dev/core/internal/errs"
)

// replReferrer is substituted when the referrer is empty and the runtime
// is interactive (spec.md §4.1 step 1).
const replReferrer = "repl:///$repl.ts"

// PackageResolver consults npm/jsr/node-builtin resolution for bare
// specifiers that the import map does not cover (spec.md §4.1 step 4).
type PackageResolver interface {
	ResolveBare(raw, referrer string) (string, error)
}

// Resolver implements C1 (spec.md §4.1): resolve(raw, referrer, position,
// mode, kind) -> specifier | error.
type Resolver struct {
	ImportMap  *ImportMap
	Packages   PackageResolver
	Interactive bool
}

// Mode selects whether the resolution is for a static or dynamic import,
// mirrored through to cross-origin checks that treat them identically.
type Mode int

const (
	ModeStatic Mode = iota
	ModeDynamic
)

// Resolve is the entry point for C1. It never fetches anything; it only
// turns (raw, referrer) into a canonical Specifier or a resolution error
// from the internal/errs taxonomy.
func (r *Resolver) Resolve(raw, referrer string, pos Position, mode Mode, kind Kind) (Specifier, error) {
	if referrer == "" && r.Interactive {
		referrer = replReferrerValue
	}

	if scheme, ok := SchemeOf(raw); ok {
		return r.finish(Specifier{Scheme: scheme, Text: raw}, referrer, pos)
	}

	if r.ImportMap != nil {
		if mapped, ok := r.ImportMap.Resolve(raw, referrer); ok {
			scheme, ok := SchemeOf(mapped)
			if !ok {
				return Specifier{}, errs.Resolution(raw, rangeOf(pos), fmt.Errorf("%w: import map target %q has no scheme", errs.ErrInvalidSpecifier, mapped))
			}
			return r.finish(Specifier{Scheme: scheme, Text: mapped}, referrer, pos)
		}
	}

	if IsRelative(raw) {
		resolved, err := resolveRelative(raw, referrer)
		if err != nil {
			return Specifier{}, errs.Resolution(raw, rangeOf(pos), fmt.Errorf("%w: %v", errs.ErrInvalidSpecifier, err))
		}
		scheme, ok := SchemeOf(resolved)
		if !ok {
			return Specifier{}, errs.Resolution(raw, rangeOf(pos), errs.ErrUnknownScheme)
		}
		return r.finish(Specifier{Scheme: scheme, Text: resolved}, referrer, pos)
	}

	// Bare specifier: consult npm / jsr / node built-in resolution.
	if r.Packages == nil {
		return Specifier{}, errs.Resolution(raw, rangeOf(pos), fmt.Errorf("%w: bare specifier %q with no package resolver configured", errs.ErrInvalidSpecifier, raw))
	}
	resolved, err := r.Packages.ResolveBare(raw, referrer)
	if err != nil {
		return Specifier{}, errs.Resolution(raw, rangeOf(pos), err)
	}
	scheme, ok := SchemeOf(resolved)
	if !ok {
		return Specifier{}, errs.Resolution(raw, rangeOf(pos), errs.ErrUnknownScheme)
	}
	return r.finish(Specifier{Scheme: scheme, Text: resolved}, referrer, pos)
}

// finish applies the two cross-origin rules (spec.md §4.1 step 5) before
// returning the resolved specifier.
func (r *Resolver) finish(target Specifier, referrer string, pos Position) (Specifier, error) {
	if err := checkCrossOrigin(referrer, target); err != nil {
		return Specifier{}, errs.Resolution(target.Text, rangeOf(pos), err)
	}
	return target, nil
}

// checkCrossOrigin implements:
//   - a module served from a JSR origin MUST NOT import non-JSR http(s)
//   - an https module MUST NOT import a plain http module (no downgrade)
func checkCrossOrigin(referrer string, target Specifier) error {
	if referrer == "" {
		return nil
	}
	refScheme, ok := SchemeOf(referrer)
	if !ok {
		return nil
	}

	if refScheme == SchemeJSR && (target.Scheme == SchemeHTTP || target.Scheme == SchemeHTTPS) {
		return errs.ErrInvalidLocalImport
	}
	if refScheme == SchemeHTTPS && target.Scheme == SchemeHTTP {
		return errs.ErrInvalidDowngrade
	}
	return nil
}

func resolveRelative(raw, referrer string) (string, error) {
	base, err := url.Parse(referrer)
	if err != nil {
		return "", fmt.Errorf("invalid referrer %q: %w", referrer, err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relative specifier %q: %w", raw, err)
	}
	resolved := base.ResolveReference(ref)
	resolved.Path = path.Clean(resolved.Path)
	return resolved.String(), nil
}

func rangeOf(pos Position) string {
	if pos.Line == 0 && pos.Column == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", pos.Line, pos.Column)
}

// replReferrerValue is a var (not const) so tests can override the
// synthetic REPL referrer without touching global resolution behavior.
var replReferrerValue = replReferrer

// TypesOverride applies the tie-break rule: an explicit @deno-types-style
// pragma on a dependency overrides any X-TypeScript-Types header the
// fetcher recorded (spec.md §4.1 "Tie-breaks").
func TypesOverride(pragma, header string) string {
	if strings.TrimSpace(pragma) != "" {
		return pragma
	}
	return header
}
