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
	"strings"
)

// builtinNodeModules is the set of bare specifiers that resolve to the
// engine's node-compat built-ins rather than npm or jsr packages.
var builtinNodeModules = map[string]bool{
	"fs": true, "path": true, "os": true, "crypto": true, "events": true,
	"stream": true, "buffer": true, "util": true, "http": true, "https": true,
	"net": true, "url": true, "assert": true, "child_process": true,
}

// DefaultPackageResolver resolves bare specifiers against node built-ins,
// then jsr: / npm: prefixes, falling back to plain npm package resolution
// — the precedence grafted from the teacher's mappa-backed workspace
// resolver (serve/middleware/importmap/mappa_adapter.go), minus the
// in-process package.json cache which belongs to the npm-specific fetcher.
type DefaultPackageResolver struct{}

func (DefaultPackageResolver) ResolveBare(raw, referrer string) (string, error) {
	name := raw
	if idx := strings.Index(raw, "/"); idx != -1 && !strings.HasPrefix(raw, "@") {
		name = raw[:idx]
	} else if strings.HasPrefix(raw, "@") {
		parts := strings.SplitN(raw, "/", 3)
		if len(parts) >= 2 {
			name = parts[0] + "/" + parts[1]
		}
	}

	if builtinNodeModules[name] {
		return "node:" + raw, nil
	}
	if strings.HasPrefix(raw, "jsr:") {
		return raw, nil
	}
	if strings.HasPrefix(raw, "npm:") {
		return raw, nil
	}
	return "npm:" + raw, nil
}

// ParseNpmSpecifier splits an "npm:name@version/subpath" or bare
// "npm:name" specifier into its parts, as the remote workspace context
// does when unpacking a package tarball (workspace/remote.go).
func ParseNpmSpecifier(spec string) (name, version, subpath string, err error) {
	rest := strings.TrimPrefix(spec, "npm:")
	if rest == spec {
		return "", "", "", fmt.Errorf("not an npm specifier: %q", spec)
	}

	scope := ""
	if strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", "", "", fmt.Errorf("malformed scoped npm specifier: %q", spec)
		}
		scope = parts[0] + "/"
		rest = parts[1]
	}

	pathParts := strings.SplitN(rest, "/", 2)
	nameVersion := pathParts[0]
	if len(pathParts) == 2 {
		subpath = pathParts[1]
	}

	if at := strings.LastIndex(nameVersion, "@"); at > 0 {
		name = scope + nameVersion[:at]
		version = nameVersion[at+1:]
	} else {
		name = scope + nameVersion
		version = "latest"
	}
	return name, version, subpath, nil
}
