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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// lockfileSchema is the minimal shape a lockfile document must satisfy
// before it is trusted as a pin source, validated the same way the
// teacher validates custom-elements manifests against a JSON Schema
// before trusting their contents.
const lockfileSchema = `{
  "type": "object",
  "required": ["version", "modules"],
  "properties": {
    "version": {"type": "integer"},
    "modules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["integrity"],
        "properties": {
          "integrity": {"type": "string"},
          "npmVersion": {"type": "string"}
        }
      }
    }
  }
}`

// lockfileVersion is bumped whenever the on-disk shape changes
// incompatibly.
const lockfileVersion = 1

// LockEntry pins one module specifier to the content hash (and, for npm
// packages, the resolved version) it was built against, per spec.md
// invariant I4.
type LockEntry struct {
	Integrity  string `json:"integrity"`
	NpmVersion string `json:"npmVersion,omitempty"`
}

// Lockfile is the JSON document the graph builder writes and reads at a
// well-known path (spec.md §6); the exact schema is otherwise delegated
// to an external lockfile component, so this is intentionally minimal:
// just enough to pin content hashes and npm versions.
type Lockfile struct {
	Version int                  `json:"version"`
	Modules map[string]LockEntry `json:"modules"`
}

var lockfileSchemaCompiled = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("lockfile.json", mustJSON(lockfileSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("lockfile.json")
}()

func mustJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// ReadLockfile loads and schema-validates a lockfile from path. A missing
// file is not an error: it returns an empty Lockfile, since a project
// without a lockfile yet is the common first-run case.
func ReadLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Lockfile{Version: lockfileVersion, Modules: map[string]LockEntry{}}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := lockfileSchemaCompiled.Validate(raw); err != nil {
		return nil, err
	}

	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, err
	}
	if lf.Modules == nil {
		lf.Modules = map[string]LockEntry{}
	}
	return &lf, nil
}

// PinnedNpmVersion reads a lockfile's pinned npm version for an
// unversioned npm specifier prefix (e.g. "npm:left-pad") directly out of
// raw lockfile bytes with gjson, without unmarshalling the whole
// document into a Lockfile struct — used on the resolver's hot path
// (one lookup per bare npm import) where a full decode per call would be
// wasteful.
func PinnedNpmVersion(lockfileJSON []byte, namePrefix string) string {
	result := gjson.GetBytes(lockfileJSON, "modules").Get("@this").Map()
	for spec, entry := range result {
		if len(spec) > len(namePrefix) && spec[:len(namePrefix)] == namePrefix && (spec[len(namePrefix)] == '@' || spec[len(namePrefix)] == '/') {
			if v := entry.Get("npmVersion").String(); v != "" {
				return v
			}
		}
	}
	return ""
}

// FromGraph builds a Lockfile pinning every fetched module to the SHA-256
// of its source bytes, and npm nodes additionally to their resolved
// version (I4).
func FromGraph(g *Graph) *Lockfile {
	lf := &Lockfile{Version: lockfileVersion, Modules: map[string]LockEntry{}}
	for _, spec := range g.SortedSpecifiers() {
		node := g.Nodes[spec]
		if node.Error != nil {
			continue
		}
		sum := sha256.Sum256(node.Source)
		entry := LockEntry{Integrity: "sha256-" + hex.EncodeToString(sum[:])}
		if node.Kind == NodeNpm {
			entry.NpmVersion = npmVersionFromSpecifier(spec)
		}
		lf.Modules[spec] = entry
	}
	return lf
}

func npmVersionFromSpecifier(spec string) string {
	// npm:name@version[/subpath] — extract the version component.
	const prefix = "npm:"
	if len(spec) <= len(prefix) {
		return ""
	}
	rest := spec[len(prefix):]
	// Skip a leading "@" so a scoped name's "@scope" is not taken as the
	// version separator.
	at := indexByte(rest[1:], '@')
	if at == -1 {
		return ""
	}
	at++
	version := rest[at+1:]
	if slash := indexByte(version, '/'); slash != -1 {
		version = version[:slash]
	}
	return version
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// WriteIfChanged serializes lf and writes it to path only if the
// on-disk content differs, mirroring the "write if-changed after graph
// build" policy spec.md §6 describes (avoids spurious mtime churn for
// file watchers).
func WriteIfChanged(path string, lf *Lockfile) error {
	encoded, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == string(encoded) {
		return nil
	}
	return os.WriteFile(path, encoded, 0o644)
}
