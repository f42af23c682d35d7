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

// Package loader implements C7: the engine-facing module loader facade
// (resolve / prepare_load / load / get_source_map / code_cache_ready)
// that sits on top of the graph builder and emitter, plus the global
// in-flight loads tracker whose decrease-to-zero frees the parsed-source
// cache after an idle delay (spec.md §4.7, invariant B5).
package loader

import (
	"context"
	"sync"
	"time"

	"quasar.dev/core/emit"
	"quasar.dev/core/fetch"
	"quasar.dev/core/graph"
	"quasar.dev/core/internal/errs"
	"quasar.dev/core/internal/logging"
	"quasar.dev/core/specifier"
)

// idleCleanupDelay is how long an in-flight load tracker entry survives
// with no new increments before it is removed (spec.md §4.4, B5).
const idleCleanupDelay = 10 * time.Second

// Loaded is a module ready for the engine: resolved specifier, emitted
// JavaScript, and its original source map.
type Loaded struct {
	Specifier string
	Code      []byte
	SourceMap []byte
	MediaType fetch.MediaType
}

// Loader is the engine-facing facade. It owns exactly one graph
// container, following the teacher's single-writer/many-reader model
// generalized from workspace mutation to module-graph mutation.
type Loader struct {
	Builder *graph.Builder
	Emitter *emit.Emitter
	Target  emit.Target

	// LockfilePath, if set, is read before build to pin npm versions and
	// written after a successful build (if-changed), per spec.md §6.
	LockfilePath string

	mu    sync.RWMutex
	graph *graph.Graph

	// dedup deduplicates concurrent PrepareLoad calls for the same root
	// set; it is a per-build-key mechanism, distinct from inFlightLoads.
	dedup *buildDedup

	// inFlightLoads is the global refcounted in-flight loads tracker
	// (spec.md §4.7, B5): every Load call holds it open, and reaching
	// zero schedules the emit cache to be freed after an idle delay.
	inFlightLoads *inFlightLoadsTracker
}

// New creates a Loader over a graph Builder and Emitter.
func New(builder *graph.Builder, emitter *emit.Emitter, target emit.Target) *Loader {
	return &Loader{
		Builder:       builder,
		Emitter:       emitter,
		Target:        target,
		dedup:         newBuildDedup(),
		inFlightLoads: newInFlightLoadsTracker(emitter.Cache.Clear, idleCleanupDelay),
	}
}

// Resolve is the thin pass-through the engine calls before PrepareLoad to
// validate a specifier without fetching it.
func (l *Loader) Resolve(raw, referrer string, pos specifier.Position, mode specifier.Mode) (specifier.Specifier, error) {
	return l.Builder.Resolver.Resolve(raw, referrer, pos, mode, specifier.KindCode)
}

// PrepareLoad builds (or rebuilds) the graph from roots, deduplicating
// concurrent calls for the same root set via buildDedup, and
// then runs graph_roots_valid (spec.md §4.5 step 5) before committing —
// a root with any unresolved transitive dependency is a fatal error
// (spec.md §7 "a fatal error on program startup terminates the runtime")
// rather than silently accepted and only discovered later from Load.
//
// isDynamic implements spec.md §4.7's dynamic-import short-circuit
// (Concrete Scenario 1): for a single already-graphed specifier, this
// only re-validates its reachable subtree and returns — no new fetches,
// no rebuild.
func (l *Loader) PrepareLoad(ctx context.Context, roots []string, isDynamic bool) error {
	if isDynamic && len(roots) == 1 {
		if g := l.currentGraph(); g != nil {
			if node, ok := g.Nodes[roots[0]]; ok && node.Error == nil {
				if err := g.ValidateFrom(roots[0], l.Builder.AllowUnknownMediaTypes, nil); err != nil {
					return errs.Load(roots[0], err)
				}
				return nil
			}
		}
	}

	key := inflightKey(roots)
	if !l.dedup.begin(key) {
		l.dedup.wait(key)
		return nil
	}
	defer l.dedup.end(key)

	g, err := l.Builder.Build(ctx, roots)
	if err != nil {
		return errs.Load(inflightKey(roots), err)
	}
	if err := g.Validate(l.Builder.AllowUnknownMediaTypes); err != nil {
		return errs.Load(inflightKey(roots), err)
	}

	l.mu.Lock()
	l.graph = g
	l.mu.Unlock()

	if l.LockfilePath != "" {
		if err := graph.WriteIfChanged(l.LockfilePath, graph.FromGraph(g)); err != nil {
			logging.SafeDebug("loader: writing lockfile %q: %v", l.LockfilePath, err)
		}
	}
	return nil
}

// currentGraph returns the currently-prepared graph, or nil if none has
// been committed yet.
func (l *Loader) currentGraph() *graph.Graph {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.graph
}

// Load returns the emitted code for a previously-prepared specifier.
// Errors with ErrNotPrepared if PrepareLoad has not populated the graph.
// Holds the in-flight loads tracker open for the duration of the call
// (spec.md §4.7, B5).
func (l *Loader) Load(specifierText string) (Loaded, error) {
	l.inFlightLoads.increase()
	defer l.inFlightLoads.decrease()

	l.mu.RLock()
	g := l.graph
	l.mu.RUnlock()

	if g == nil {
		return Loaded{}, errs.Load(specifierText, errs.ErrNotPrepared)
	}

	node, ok := g.Nodes[specifierText]
	if !ok {
		return Loaded{}, errs.Load(specifierText, errs.ErrMissingDependency)
	}
	if node.Error != nil {
		return Loaded{}, errs.Load(specifierText, node.Error)
	}

	result, err := l.Emitter.Emit(specifierText, node.Source, node.MediaType, emit.Options{
		Target:     l.Target,
		Sourcefile: specifierText,
	})
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{Specifier: specifierText, Code: result.Code, SourceMap: result.SourceMap, MediaType: node.MediaType}, nil
}

// GetSourceMap returns the source map of a specifier's emitted output,
// emitting it through Load if it is not cached, or nil if Load fails
// (the engine treats nil as "no map").
func (l *Loader) GetSourceMap(specifierText string) []byte {
	loaded, err := l.Load(specifierText)
	if err != nil {
		return nil
	}
	return loaded.SourceMap
}

// CodeCacheReady reports whether specifierText is in the prepared graph
// without an error, so that Load can emit it. It does not consult the
// emit cache and stores no engine code cache.
func (l *Loader) CodeCacheReady(specifierText string) bool {
	l.mu.RLock()
	g := l.graph
	l.mu.RUnlock()
	if g == nil {
		return false
	}
	node, ok := g.Nodes[specifierText]
	return ok && node.Error == nil
}

// buildDedup deduplicates concurrent PrepareLoad calls for the same root
// set: a call that arrives while a build is running waits on it instead
// of starting a second build. It self-cleans idle bookkeeping entries
// after idleCleanupDelay, but that is bookkeeping hygiene only — it does
// not free any cache. That is inFlightLoadsTracker's job (B5 below).
type buildDedup struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
	timers   map[string]*time.Timer
}

func newBuildDedup() *buildDedup {
	return &buildDedup{inFlight: map[string]chan struct{}{}, timers: map[string]*time.Timer{}}
}

func (t *buildDedup) begin(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	if _, ok := t.inFlight[key]; ok {
		return false
	}
	t.inFlight[key] = make(chan struct{})
	return true
}

func (t *buildDedup) wait(key string) {
	t.mu.Lock()
	ch, ok := t.inFlight[key]
	t.mu.Unlock()
	if ok {
		<-ch
	}
}

func (t *buildDedup) end(key string) {
	t.mu.Lock()
	if ch, ok := t.inFlight[key]; ok {
		close(ch)
		delete(t.inFlight, key)
	}
	t.timers[key] = time.AfterFunc(idleCleanupDelay, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		logging.SafeDebug("loader: build dedup entry for %q cleaned up after idle delay", key)
	})
	t.mu.Unlock()
}

func inflightKey(roots []string) string {
	key := ""
	for i, r := range roots {
		if i > 0 {
			key += "\x00"
		}
		key += r
	}
	return key
}

// inFlightLoadsTracker implements spec.md §4.7's in-flight loads tracker:
// a single global refcounted counter, incremented for the duration of
// every Load call. When the count drops to zero, a cleanup is scheduled
// after delay; a new increase before it fires cancels it (B5). Unlike
// buildDedup, which only dedupes concurrent builds of one root set, this
// tracks the runtime's overall load activity and is what actually frees
// the parsed-source cache.
type inFlightLoadsTracker struct {
	mu     sync.Mutex
	count  int
	timer  *time.Timer
	onIdle func()
	delay  time.Duration
}

func newInFlightLoadsTracker(onIdle func(), delay time.Duration) *inFlightLoadsTracker {
	return &inFlightLoadsTracker{onIdle: onIdle, delay: delay}
}

// increase records one more load in flight, cancelling any pending idle
// cleanup.
func (t *inFlightLoadsTracker) increase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// decrease records a load finishing. Once the count reaches zero, it
// schedules onIdle to run after delay unless another increase cancels it
// first.
func (t *inFlightLoadsTracker) decrease() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count > 0 {
		t.count--
	}
	if t.count > 0 {
		return
	}
	t.timer = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		t.timer = nil
		stillIdle := t.count == 0
		t.mu.Unlock()
		if stillIdle {
			logging.SafeDebug("loader: in-flight loads idle for %s, freeing parsed-source cache", t.delay)
			t.onIdle()
		}
	})
}

// inFlight reports the current refcount, for tests.
func (t *inFlightLoadsTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
