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

package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quasar.dev/core/emit"
	"quasar.dev/core/fetch"
	"quasar.dev/core/graph"
	"quasar.dev/core/internal/errs"
	"quasar.dev/core/specifier"
)

func TestLoadBeforePrepareReturnsNotPrepared(t *testing.T) {
	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	l := New(graph.NewBuilder(f, r), emit.NewEmitter(1<<20), emit.ES2022)

	_, err := l.Load("file:///does/not/exist.ts")
	e, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T", err)
	}
	if !isErrNotPrepared(e) {
		t.Fatalf("expected ErrNotPrepared, got %v", e)
	}
}

func isErrNotPrepared(e *errs.Error) bool {
	return e.Unwrap() == errs.ErrNotPrepared
}

func TestPrepareLoadThenLoadEmitsCode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(path, []byte("export const x: number = 1;"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	l := New(graph.NewBuilder(f, r), emit.NewEmitter(1<<20), emit.ES2022)

	root := "file://" + path
	if err := l.PrepareLoad(context.Background(), []string{root}, false); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}

	resolved, err := l.Resolve(root, "", specifier.Position{}, specifier.ModeStatic)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	loaded, err := l.Load(resolved.Text)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Code) == 0 {
		t.Fatal("expected emitted code")
	}
	if !l.CodeCacheReady(resolved.Text) {
		t.Fatal("expected CodeCacheReady to report true after a successful load")
	}
}

// TestDynamicImportReuseShortCircuits reproduces spec.md Concrete
// Scenario 1: a dynamic import of a specifier already in the graph must
// not trigger any new fetch. The source file is removed from disk after
// the first prepare, so a second real Build would fail — a short-circuit
// is the only way this still succeeds.
func TestDynamicImportReuseShortCircuits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(path, []byte("export const x: number = 1;"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	l := New(graph.NewBuilder(f, r), emit.NewEmitter(1<<20), emit.ES2022)

	root := "file://" + path
	if err := l.PrepareLoad(context.Background(), []string{root}, false); err != nil {
		t.Fatalf("initial PrepareLoad: %v", err)
	}

	before, err := l.Load(root)
	if err != nil {
		t.Fatalf("Load before removal: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := l.PrepareLoad(context.Background(), []string{root}, true); err != nil {
		t.Fatalf("dynamic PrepareLoad should short-circuit without a new fetch, got: %v", err)
	}

	after, err := l.Load(root)
	if err != nil {
		t.Fatalf("Load after dynamic reuse: %v", err)
	}
	if string(after.Code) != string(before.Code) {
		t.Fatalf("expected reused emit to match, got %q vs %q", after.Code, before.Code)
	}
}

// TestPrepareLoadFailsOnUnresolvedTransitiveDependency exercises P3: a
// root whose transitive dependency never resolves is a fatal error from
// PrepareLoad, not something discovered later from Load.
func TestPrepareLoadFailsOnUnresolvedTransitiveDependency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(path, []byte(`import { x } from "./missing.ts"; export const y = x;`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	l := New(graph.NewBuilder(f, r), emit.NewEmitter(1<<20), emit.ES2022)

	root := "file://" + path
	if err := l.PrepareLoad(context.Background(), []string{root}, false); err == nil {
		t.Fatal("expected PrepareLoad to fail fatally for an unresolved transitive dependency")
	}
}

// TestInFlightLoadsTrackerFreesCacheAfterIdle reproduces invariant B5: once
// the in-flight loads counter drops to zero, a cleanup runs after the idle
// delay that frees the parsed-source cache.
func TestInFlightLoadsTrackerFreesCacheAfterIdle(t *testing.T) {
	freed := make(chan struct{}, 1)
	tr := newInFlightLoadsTracker(func() { freed <- struct{}{} }, 10*time.Millisecond)

	tr.increase()
	tr.decrease()

	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("expected the idle cleanup to free the cache")
	}
}

// TestInFlightLoadsTrackerCancelsCleanupOnReIncrease exercises the other
// half of B5: a new load starting before the idle delay elapses cancels
// the pending cleanup, so the cache is not freed out from under it.
func TestInFlightLoadsTrackerCancelsCleanupOnReIncrease(t *testing.T) {
	freed := make(chan struct{}, 1)
	tr := newInFlightLoadsTracker(func() { freed <- struct{}{} }, 30*time.Millisecond)

	tr.increase()
	tr.decrease()
	tr.increase()

	select {
	case <-freed:
		t.Fatal("re-increase before the idle delay should have cancelled the cleanup")
	case <-time.After(80 * time.Millisecond):
	}
	if got := tr.inFlight(); got != 1 {
		t.Fatalf("expected refcount 1 after the re-increase, got %d", got)
	}
}

// TestLoadReleasesInFlightLoadsTrackerOnReturn confirms Load releases its
// hold on the in-flight loads tracker: once it returns, the refcount is
// back to 0.
func TestLoadReleasesInFlightLoadsTrackerOnReturn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(path, []byte("export const x: number = 1;"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := fetch.New(t.TempDir(), fetch.Permissions{AllowRead: true})
	r := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	l := New(graph.NewBuilder(f, r), emit.NewEmitter(1<<20), emit.ES2022)

	root := "file://" + path
	if err := l.PrepareLoad(context.Background(), []string{root}, false); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}
	if _, err := l.Load(root); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := l.inFlightLoads.inFlight(); got != 0 {
		t.Fatalf("expected refcount to return to 0 after Load returns, got %d", got)
	}
}
