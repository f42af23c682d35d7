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

// Package engine implements C11: the runtime core that owns a single V8
// isolate, its event loop, op registration, and the terminate/snapshot
// lifecycle spec.md §4.8 describes. It is the component the loader (C7),
// http2session (C8), inspector (C9) and httpclient (C10) packages are
// driven through.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"

	"quasar.dev/core/internal/errs"
	"quasar.dev/core/internal/logging"
)

// terminateGracePeriod bounds how long Terminate waits for a running
// script to notice v8.Isolate.TerminateExecution before the isolate is
// considered leaked, mirrored from the grace-period pattern used around
// V8 isolate teardown after a timeout.
const terminateGracePeriod = 5 * time.Second

// OpKind distinguishes a synchronous op (runs inline, blocking the
// caller) from an asynchronous op (queued to the BlockingPool, resolving
// a JS promise when it completes).
type OpKind int

const (
	OpSync OpKind = iota
	OpAsync
)

// Op is one host function exposed to JS as Deno.core.ops.<Name>.
type Op struct {
	Name string
	Kind OpKind
	Fn   func(args []byte) ([]byte, error)
}

// pendingAsyncOp is a queued async op result awaiting the next event
// loop tick to resolve its JS promise.
type pendingAsyncOp struct {
	promiseID uint64
	result    []byte
	err       error
}

// Runtime owns one V8 isolate and drives its event loop tick by tick:
// each PollEventLoop call drains completed async op results into JS.
// Ticks do not run macrotasks or check for unhandled promise rejections;
// rejections reach the registered handler only through
// DispatchUnhandledRejection.
type Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context

	mu       sync.Mutex
	ops      map[string]Op
	pool     *BlockingPool
	pending  []pendingAsyncOp
	nextOpID uint64

	terminated       atomic.Bool
	terminateOnce    sync.Once
	heapLimitCb      func(current, initial uint64) uint64
	rejectionHandler func(promiseID uint64, reason string)

	// continuationData holds the engine's continuation-preserved embedder
	// data (spec.md §4.8 "Async-context preservation") — whatever value an
	// AsyncLocalStorage-style API threads through async boundaries.
	continuationData atomic.Value

	snapshotMu sync.Mutex // held for the duration of CreateSnapshot or LoadSnapshot
}

// Options configures a new Runtime.
type Options struct {
	BlockingPoolWorkers int
	BlockingPoolQueue   int
}

// DefaultOptions sizes the blocking pool the way the teacher's transform
// pool defaults (serve/middleware/transform/pool.go callers), generalized
// to op dispatch rather than TS transforms.
func DefaultOptions() Options {
	return Options{BlockingPoolWorkers: 4, BlockingPoolQueue: 64}
}

// New creates a V8 isolate and context ready to receive RegisterOp calls
// and Run invocations.
func New(opts Options) *Runtime {
	iso := v8.NewIsolate()
	global := v8.NewObjectTemplate(iso)
	ctx := v8.NewContext(iso, global)

	r := &Runtime{
		iso:  iso,
		ctx:  ctx,
		ops:  map[string]Op{},
		pool: NewBlockingPool(opts.BlockingPoolWorkers, opts.BlockingPoolQueue),
	}
	return r
}

// RegisterOp installs op, making it callable from JS as
// Deno.core.ops.<op.Name>(...) once the bridge script has been run.
func (r *Runtime) RegisterOp(op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Name] = op
}

// DispatchOp invokes a registered op by name. Sync ops run inline on the
// caller (the event loop tick); async ops are submitted to the
// BlockingPool and their result queued for the next PollEventLoop call.
func (r *Runtime) DispatchOp(name string, args []byte) ([]byte, error) {
	r.mu.Lock()
	op, ok := r.ops[name]
	r.mu.Unlock()
	if !ok {
		return nil, errs.Fetch(name, fmt.Errorf("unknown op %q", name))
	}

	if op.Kind == OpSync {
		return op.Fn(args)
	}

	r.mu.Lock()
	promiseID := r.nextOpID
	r.nextOpID++
	r.mu.Unlock()

	if err := r.pool.Submit(func() error {
		result, err := op.Fn(args)
		r.mu.Lock()
		r.pending = append(r.pending, pendingAsyncOp{promiseID: promiseID, result: result, err: err})
		r.mu.Unlock()
		return nil
	}); err != nil {
		return nil, errs.Fetch(name, err)
	}
	return nil, nil
}

// RunScript compiles and evaluates source against the runtime's single
// context, returning its value rendered as a string (mirroring v8go's
// Value.String() round trip for the JSON-based op bridge).
func (r *Runtime) RunScript(source, origin string) (string, error) {
	if r.terminated.Load() {
		return "", errs.Fetch(origin, errs.ErrTerminated)
	}
	val, err := r.ctx.RunScript(source, origin)
	if err != nil {
		return "", wrapJSError(origin, err)
	}
	return val.String(), nil
}

// PollEventLoop runs one tick: it drains completed async op results and
// reports whether more results were queued while it ran (true keeps the
// host calling PollEventLoop). Async ops still running in the
// BlockingPool are not counted, and the tick does not invoke the
// rejection handler.
func (r *Runtime) PollEventLoop() (hasMoreWork bool, err error) {
	if r.terminated.Load() {
		return false, errs.Fetch("", errs.ErrTerminated)
	}

	r.mu.Lock()
	drained := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range drained {
		if err := r.resolvePromise(p); err != nil {
			logging.SafeDebug("engine: resolving promise %d: %v", p.promiseID, err)
		}
	}

	r.mu.Lock()
	hasMoreWork = len(r.pending) > 0
	r.mu.Unlock()
	return hasMoreWork, nil
}

func (r *Runtime) resolvePromise(p pendingAsyncOp) error {
	var script string
	if p.err != nil {
		script = fmt.Sprintf("globalThis.__quasar_reject_op(%d, %s)", p.promiseID, quoteJSON(p.err.Error()))
	} else {
		script = fmt.Sprintf("globalThis.__quasar_resolve_op(%d, %s)", p.promiseID, quoteJSON(string(p.result)))
	}
	_, err := r.ctx.RunScript(script, "<op-bridge>")
	return err
}

func quoteJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// OnNearHeapLimit registers the callback spec.md §4.8 requires the host
// invoke when V8 reports the isolate is close to its heap ceiling; the
// callback returns the new (usually larger) limit to grant, or the same
// value to let V8 proceed to an out-of-memory abort.
func (r *Runtime) OnNearHeapLimit(cb func(current, initial uint64) uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heapLimitCb = cb
}

// OnUnhandledRejection registers the callback fired when a promise
// rejects with no .catch() attached by the time the microtask queue
// drains, matching the ErrUnhandledRejection taxonomy entry.
func (r *Runtime) OnUnhandledRejection(cb func(promiseID uint64, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectionHandler = cb
}

// continuationBox lets a nil interface value round-trip through
// atomic.Value, which rejects storing nil directly.
type continuationBox struct{ value any }

// SetContinuationData stores the currently-active continuation-preserved
// embedder data (spec.md §4.8): the value an async-local-storage-style
// API threads through `await` boundaries, so it is visible again wherever
// that continuation resumes.
func (r *Runtime) SetContinuationData(v any) {
	r.continuationData.Store(continuationBox{value: v})
}

// ContinuationData returns the currently-active continuation-preserved
// embedder data, or nil if none has been set yet.
func (r *Runtime) ContinuationData() any {
	boxed, ok := r.continuationData.Load().(continuationBox)
	if !ok {
		return nil
	}
	return boxed.value
}

// DispatchUnhandledRejection is the embedder's entry point for a promise
// that rejected with no handler attached (spec.md §4.8): it captures the
// continuation data active right now, invokes the registered
// OnUnhandledRejection callback against that captured context, then
// restores whatever was active before the call — so the handler sees the
// async-local-storage context the rejecting continuation ran in, not
// whatever happens to be active on the polling thread.
func (r *Runtime) DispatchUnhandledRejection(promiseID uint64, reason string) {
	r.mu.Lock()
	handler := r.rejectionHandler
	r.mu.Unlock()
	if handler == nil {
		return
	}

	saved := r.ContinuationData()
	defer r.SetContinuationData(saved)

	handler(promiseID, reason)
}

// Terminate aborts any running script via v8.Isolate.TerminateExecution,
// idempotently: a second call while a first Terminate is still waiting
// out its grace period is a no-op, mirroring the disposeIsolate/leaked
// bookkeeping around V8 isolate teardown after a timeout.
func (r *Runtime) Terminate(ctx context.Context) error {
	var terminateErr error
	r.terminateOnce.Do(func() {
		r.terminated.Store(true)
		r.iso.TerminateExecution()

		done := make(chan struct{})
		go func() {
			r.snapshotMu.Lock()
			r.snapshotMu.Unlock()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(terminateGracePeriod):
			logging.SafeDebug("engine: isolate did not settle within grace period after Terminate")
		case <-ctx.Done():
			terminateErr = ctx.Err()
		}
	})
	return terminateErr
}

// CancelTerminate cancels a pending v8.Isolate.TerminateExecution, if
// IsExecutionTerminating reports one, and reports whether it did. The
// Runtime stays marked terminated afterwards: RunScript and
// PollEventLoop keep returning ErrTerminated.
func (r *Runtime) CancelTerminate() bool {
	if !r.iso.IsExecutionTerminating() {
		return false
	}
	r.iso.CancelTerminateExecution()
	return true
}

// Dispose releases the isolate and context. Safe to call once; a second
// call is a no-op beyond closing already-closed handles.
func (r *Runtime) Dispose() {
	r.pool.Close()
	r.ctx.Close()
	r.iso.Dispose()
}

func wrapJSError(origin string, err error) error {
	if jsErr, ok := err.(*v8.JSError); ok {
		msg := jsErr.Message
		if jsErr.Location != "" {
			msg = jsErr.Location + ": " + msg
		}
		return errs.Fetch(origin, fmt.Errorf("%s", msg))
	}
	return errs.Fetch(origin, err)
}
