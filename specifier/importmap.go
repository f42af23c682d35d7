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
	"encoding/json"
	"sort"
	"strings"
)

// ImportMap is an ES module import map (imports + scopes), structurally
// identical to bennypowers.dev/mappa/importmap.ImportMap so the two
// convert field-for-field without an adapter.
type ImportMap struct {
	Imports map[string]string            `json:"imports"`
	Scopes  map[string]map[string]string `json:"scopes,omitempty"`
}

// ParseImportMap decodes a JSON import map document.
func ParseImportMap(data []byte) (*ImportMap, error) {
	var m ImportMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Imports == nil {
		m.Imports = map[string]string{}
	}
	return &m, nil
}

// Resolve applies the import map to raw, anchored at referrer, following
// the WHATWG import-map resolution algorithm: the most specific matching
// scope (longest scope key that is a prefix of referrer) is consulted
// first, falling back to the top-level imports table. Within either
// table, an exact match wins; otherwise the longest "package-prefix/"
// entry whose prefix matches raw wins.
func (m *ImportMap) Resolve(raw, referrer string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, scopeKey := range m.matchingScopesByLength(referrer) {
		if resolved, ok := resolveIn(m.Scopes[scopeKey], raw); ok {
			return resolved, true
		}
	}
	return resolveIn(m.Imports, raw)
}

// matchingScopesByLength returns scope keys that are a prefix of referrer,
// longest (most specific) first.
func (m *ImportMap) matchingScopesByLength(referrer string) []string {
	var matches []string
	for key := range m.Scopes {
		if strings.HasPrefix(referrer, key) {
			matches = append(matches, key)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return len(matches[i]) > len(matches[j]) })
	return matches
}

func resolveIn(table map[string]string, raw string) (string, bool) {
	if table == nil {
		return "", false
	}
	if target, ok := table[raw]; ok {
		return target, target != ""
	}
	var bestPrefix, bestTarget string
	for specifierKey, target := range table {
		if !strings.HasSuffix(specifierKey, "/") {
			continue
		}
		if strings.HasPrefix(raw, specifierKey) && len(specifierKey) > len(bestPrefix) {
			bestPrefix, bestTarget = specifierKey, target
		}
	}
	if bestPrefix == "" {
		return "", false
	}
	if bestTarget == "" {
		return "", false
	}
	return bestTarget + strings.TrimPrefix(raw, bestPrefix), true
}

// Merge overlays override on top of m, matching the precedence the dev
// server's config overrides use (explicit config wins over generated
// entries), grounded on serve/middleware/importmap's ConfigOverride.
func (m *ImportMap) Merge(override *ImportMap) *ImportMap {
	if override == nil {
		return m
	}
	result := &ImportMap{Imports: map[string]string{}, Scopes: map[string]map[string]string{}}
	for k, v := range m.Imports {
		result.Imports[k] = v
	}
	for k, v := range override.Imports {
		result.Imports[k] = v
	}
	for scope, table := range m.Scopes {
		merged := map[string]string{}
		for k, v := range table {
			merged[k] = v
		}
		result.Scopes[scope] = merged
	}
	for scope, table := range override.Scopes {
		merged := result.Scopes[scope]
		if merged == nil {
			merged = map[string]string{}
		}
		for k, v := range table {
			merged[k] = v
		}
		result.Scopes[scope] = merged
	}
	return result
}
