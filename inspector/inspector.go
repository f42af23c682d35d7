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

// Package inspector implements C9: a Chrome DevTools Protocol session
// multiplexer. It models one DevTools front-end session as a tree of
// Targets (the main engine plus any NodeWorker-style sub-targets),
// dispatches CDP domain methods, and drives the event-loop waker that
// lets the engine suspend while a debugger is attached (spec.md §4.6).
package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"quasar.dev/core/internal/errs"
	"quasar.dev/core/internal/logging"
)

// maxInspectorReadSize bounds inbound CDP command size the way the
// teacher's dev server bounds websocket frames (serve/websocket.go).
const maxInspectorReadSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: maxInspectorReadSize,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin only allows a devtools front-end connecting from
// localhost or the same origin, adapted from serve/websocket.go's
// cross-origin guard.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := originURL.Hostname()
	requestHost := r.Host
	if idx := strings.IndexByte(requestHost, ':'); idx != -1 {
		requestHost = requestHost[:idx]
	}
	return host == requestHost || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// RoutingMode selects how CDP messages addressed to a worker target are
// delivered: "flattened" multiplexes every target's messages over the
// single top-level connection using sessionId, while NodeWorker mode
// wraps each worker's traffic in NodeWorker.* messages on that same
// connection.
type RoutingMode int

const (
	RoutingFlattened RoutingMode = iota
	RoutingNodeWorker
)

// TargetKind distinguishes the main engine target from worker targets.
type TargetKind int

const (
	TargetMain TargetKind = iota
	TargetWorker
)

// Target is one inspectable execution context: the main engine, or one
// worker thread spawned by it.
type Target struct {
	ID        string
	SessionID string
	URL       string
	Kind      TargetKind
	Attached  bool

	// Inbound is where flattened-mode and NodeWorker/Target
	// sendMessageTo* routing deliver raw CDP messages addressed to this
	// target (spec.md §4.8 "Incoming message routing").
	Inbound chan []byte
}

// WakerState is the session's tri-state event-loop waker (spec.md §4.6):
// Idle means no debugger is polling; Woken means a command arrived and
// the loop should run; Polling means the loop is actively draining
// commands; Parked means the loop is suspended waiting on the debugger;
// Dropped means the session ended and the loop must stop waiting.
type WakerState int32

const (
	WakerIdle WakerState = iota
	WakerWoken
	WakerPolling
	WakerParked
	WakerDropped
)

// Waker is a small atomic state machine the engine's poll_event_loop
// consults each tick to decide whether to keep the loop alive for an
// attached debugger, plus the Parked-state unpark channel spec.md §4.8's
// waker protocol describes: Polling/Idle only need the state transition
// for the next poll to notice, but Parked means some goroutine is
// actually blocked in Park and must be woken up directly.
type Waker struct {
	state atomic.Int32

	mu sync.Mutex
	ch chan struct{}
}

func (w *Waker) Get() WakerState   { return WakerState(w.state.Load()) }
func (w *Waker) Set(s WakerState) { w.state.Store(int32(s)) }

func (w *Waker) notifyCh() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(chan struct{}, 1)
	}
	return w.ch
}

// Wake applies spec.md §4.8's per-state wake rule: from Polling or Idle
// it just moves the state to Woken for the loop to notice on its next
// check; from Parked it additionally unparks whatever goroutine is
// blocked in Park. It is a no-op once Dropped.
func (w *Waker) Wake() {
	for {
		cur := w.Get()
		if cur == WakerDropped {
			return
		}
		if w.state.CompareAndSwap(int32(cur), int32(WakerWoken)) {
			if cur == WakerParked {
				ch := w.notifyCh()
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			return
		}
	}
}

// errWakerDropped is returned by Park when the waker is dropped while a
// caller is blocked on it.
var errWakerDropped = fmt.Errorf("inspector: waker dropped while parked")

// Park transitions to Parked and blocks the calling goroutine until Wake
// unparks it, Drop tears the session down, or ctx is cancelled — this is
// the primitive behind wait_for_session / --inspect-brk's
// pause-on-next-statement (spec.md §4.8).
func (w *Waker) Park(ctx context.Context) error {
	ch := w.notifyCh()

	for {
		cur := w.Get()
		if cur == WakerDropped {
			return errWakerDropped
		}
		if cur == WakerWoken {
			// A Wake already landed; consume it instead of parking and
			// waiting for a notification that already fired.
			return nil
		}
		if w.state.CompareAndSwap(int32(cur), int32(WakerParked)) {
			break
		}
	}
	select {
	case <-ch:
		if w.Get() == WakerDropped {
			return errWakerDropped
		}
		return nil
	case <-ctx.Done():
		w.Set(WakerIdle)
		return ctx.Err()
	}
}

// Drop permanently marks the waker so the event loop stops waiting on
// it, unparking any goroutine currently blocked in Park.
func (w *Waker) Drop() {
	w.state.Store(int32(WakerDropped))
	ch := w.notifyCh()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Message is one CDP wire message: a command request, a command
// response, or an event notification, all sharing jsonrpc2's envelope
// shape since CDP's {id, method, params} / {id, result/error} framing is
// JSON-RPC 2.0 minus the "jsonrpc" version field.
type Message struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *jsonrpc2.Error `json:"error,omitempty"`
}

// Handler answers one CDP domain method call (e.g. "Runtime.evaluate").
type Handler func(params json.RawMessage) (result any, err error)

// Session is one DevTools front-end connection, fanning CDP commands out
// to per-target Handlers and emitting target lifecycle events.
type Session struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	targets map[string]*Target
	methods map[string]Handler
	waker   Waker
	closed  bool

	nextWorkerID int

	// nodeWorkerMode, discoverTargetsEnabled and autoAttachEnabled record
	// the flattened-vs-NodeWorker choice and the
	// Target.setDiscoverTargets/setAutoAttach opt-ins, each latched by the
	// first relevant command observed.
	nodeWorkerMode         bool
	discoverTargetsEnabled bool
	autoAttachEnabled      bool
}

// Upgrade accepts a devtools websocket connection. mode seeds the
// NodeWorker/flattened choice before the client sends anything; the
// client's first NodeWorker.enable call (if any) overrides it, per
// spec.md §4.8's "chosen by the first relevant command observed" rule.
func Upgrade(w http.ResponseWriter, r *http.Request, mode RoutingMode) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errs.Inspector(err)
	}
	conn.SetReadLimit(maxInspectorReadSize)
	s := &Session{
		conn:           conn,
		targets:        map[string]*Target{TargetMainID: {ID: TargetMainID, Kind: TargetMain, Attached: true}},
		methods:        map[string]Handler{},
		nodeWorkerMode: mode == RoutingNodeWorker,
	}
	s.methods["NodeWorker.enable"] = s.handleNodeWorkerEnable
	s.methods["Target.setDiscoverTargets"] = s.handleSetDiscoverTargets
	s.methods["Target.setAutoAttach"] = s.handleSetAutoAttach
	s.methods["NodeWorker.sendMessageToWorker"] = s.handleSendMessageToTarget
	s.methods["Target.sendMessageToTarget"] = s.handleSendMessageToTarget
	return s, nil
}

// TargetMainID is the well-known target id of the engine's own execution
// context, always present and already attached.
const TargetMainID = "main"

// RegisterMethod installs a Handler for one CDP domain method.
func (s *Session) RegisterMethod(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// Waker exposes the session's tri-state waker to the engine's event loop.
func (s *Session) Waker() *Waker { return &s.waker }

// Serve reads and dispatches CDP commands until the connection closes.
func (s *Session) Serve() error {
	defer s.waker.Drop()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.waker.Wake()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.SafeDebug("inspector: malformed CDP message: %v", err)
			continue
		}
		go s.dispatch(msg)
	}
}

// dispatch implements spec.md §4.8's incoming message routing: a message
// carrying a top-level sessionId is forwarded to that target's inbound
// channel with sessionId stripped (flattened mode); anything else is a
// method call looked up in methods (either one of the CDP-specific
// handlers registered in Upgrade, or an engine-domain handler registered
// via RegisterMethod).
func (s *Session) dispatch(msg Message) {
	if msg.SessionID != "" {
		s.routeToTarget(msg)
		return
	}

	s.mu.Lock()
	handler, ok := s.methods[msg.Method]
	s.mu.Unlock()

	if !ok {
		s.respondError(msg, fmt.Errorf("'%s' wasn't found", msg.Method))
		return
	}

	result, err := handler(msg.Params)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	s.respondResult(msg, result)
}

// routeToTarget delivers a flattened-mode, sessionId-addressed message to
// the target's Inbound channel, with sessionId stripped per spec.md §4.8.
func (s *Session) routeToTarget(msg Message) {
	s.mu.Lock()
	t, ok := s.targets[msg.SessionID]
	s.mu.Unlock()
	if !ok {
		s.respondError(msg, fmt.Errorf("inspector: unknown session %q", msg.SessionID))
		return
	}

	stripped := msg
	stripped.SessionID = ""
	data, err := json.Marshal(stripped)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	deliverToWorker(t, data)
}

func deliverToWorker(t *Target, data []byte) {
	select {
	case t.Inbound <- data:
	default:
		logging.SafeDebug("inspector: worker %q inbound channel full, dropping message", t.ID)
	}
}

type sendMessageToTargetParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// handleSendMessageToTarget backs both NodeWorker.sendMessageToWorker and
// Target.sendMessageToTarget (spec.md §4.8): both forward the wrapped
// message to the worker named by sessionId.
func (s *Session) handleSendMessageToTarget(params json.RawMessage) (any, error) {
	var p sendMessageToTargetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	t, ok := s.targets[p.SessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inspector: unknown worker session %q", p.SessionID)
	}
	deliverToWorker(t, []byte(p.Message))
	return map[string]any{}, nil
}

// handleNodeWorkerEnable marks this session as using the NodeWorker
// flavor and emits a synthetic attachedToWorker for each already-known
// worker (spec.md §4.8).
func (s *Session) handleNodeWorkerEnable(json.RawMessage) (any, error) {
	s.mu.Lock()
	s.nodeWorkerMode = true
	workers := s.workerTargetsLocked()
	s.mu.Unlock()

	for _, t := range workers {
		s.emitAttachedToWorker(t)
	}
	return map[string]any{}, nil
}

type setDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

// handleSetDiscoverTargets implements Target.setDiscoverTargets(true):
// emit Target.targetCreated for each known worker (spec.md §4.8).
func (s *Session) handleSetDiscoverTargets(params json.RawMessage) (any, error) {
	var p setDiscoverTargetsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.discoverTargetsEnabled = p.Discover
	workers := s.workerTargetsLocked()
	s.mu.Unlock()

	if p.Discover {
		for _, t := range workers {
			s.emitTargetCreated(t)
		}
	}
	return map[string]any{}, nil
}

type setAutoAttachParams struct {
	AutoAttach bool `json:"autoAttach"`
}

// handleSetAutoAttach implements Target.setAutoAttach(true): for each
// worker not yet attached, mark attached and emit Target.attachedToTarget
// (spec.md §4.8).
func (s *Session) handleSetAutoAttach(params json.RawMessage) (any, error) {
	var p setAutoAttachParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.autoAttachEnabled = p.AutoAttach
	workers := s.workerTargetsLocked()
	s.mu.Unlock()

	if p.AutoAttach {
		for _, t := range workers {
			s.attachTarget(t)
		}
	}
	return map[string]any{}, nil
}

// workerTargetsLocked snapshots the current worker targets. Callers must
// hold s.mu.
func (s *Session) workerTargetsLocked() []*Target {
	workers := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Kind == TargetWorker {
			workers = append(workers, t)
		}
	}
	return workers
}

func (s *Session) respondResult(msg Message, result any) {
	if msg.ID == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	s.send(Message{ID: msg.ID, SessionID: msg.SessionID, Result: raw})
}

func (s *Session) respondError(msg Message, err error) {
	if msg.ID == nil {
		return
	}
	s.send(Message{ID: msg.ID, SessionID: msg.SessionID, Error: &jsonrpc2.Error{Message: err.Error()}})
}

func (s *Session) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.SafeDebug("inspector: failed to marshal CDP message: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.SafeDebug("inspector: failed to write CDP message: %v", err)
	}
}

// Emit sends a CDP event (a method call with no id) to the front end,
// carrying sessionID as given; the routing mode is not consulted.
func (s *Session) Emit(sessionID, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		logging.SafeDebug("inspector: failed to marshal event params: %v", err)
		return
	}
	s.send(Message{SessionID: sessionID, Method: method, Params: raw})
}

// workerTitle is the devtools display title spec.md §4.8's worker
// lifecycle section specifies: "worker [N]" for the Nth worker.
func workerTitle(id string) string { return fmt.Sprintf("worker [%s]", id) }

func targetInfo(t *Target) map[string]any {
	return map[string]any{
		"targetId":        t.ID,
		"type":            "node_worker",
		"title":           workerTitle(t.ID),
		"url":             t.URL,
		"attached":        t.Attached,
		"canAccessOpener": true,
	}
}

// emitTargetCreated sends Target.targetCreated for t, as it stands right
// now (not yet attached, if called before attachTarget).
func (s *Session) emitTargetCreated(t *Target) {
	s.Emit("", "Target.targetCreated", map[string]any{"targetInfo": targetInfo(t)})
}

// attachTarget marks t attached and emits Target.attachedToTarget,
// unless it was already attached (P6: at most one such notification per
// worker per enabled mode).
func (s *Session) attachTarget(t *Target) {
	s.mu.Lock()
	already := t.Attached
	t.Attached = true
	s.mu.Unlock()
	if already {
		return
	}
	s.Emit("", "Target.attachedToTarget", map[string]any{
		"sessionId":          t.SessionID,
		"targetInfo":         targetInfo(t),
		"waitingForDebugger": false,
	})
}

// emitAttachedToWorker sends the NodeWorker-mode equivalent of
// attachTarget's notification.
func (s *Session) emitAttachedToWorker(t *Target) {
	s.Emit("", "NodeWorker.attachedToWorker", map[string]any{
		"sessionId": t.SessionID,
		"workerInfo": map[string]any{
			"workerId": t.ID,
			"type":     "node_worker",
			"title":    workerTitle(t.ID),
			"url":      t.URL,
		},
	})
}

// AttachWorker registers a newly-spawned worker at url, allocates its
// sequential target id, and emits whatever lifecycle notification the
// session's currently-enabled modes call for (spec.md §4.8 "Worker
// lifecycle", P6): NodeWorker.attachedToWorker if NodeWorker mode is
// active; otherwise Target.targetCreated if discovery is enabled,
// followed by Target.attachedToTarget if auto-attach is enabled — the
// exact sequence Concrete Scenario 2 exercises.
func (s *Session) AttachWorker(url string) *Target {
	s.mu.Lock()
	s.nextWorkerID++
	id := strconv.Itoa(s.nextWorkerID)
	t := &Target{ID: id, SessionID: id, URL: url, Kind: TargetWorker, Inbound: make(chan []byte, 16)}
	s.targets[id] = t
	nodeWorker := s.nodeWorkerMode
	discover := s.discoverTargetsEnabled
	autoAttach := s.autoAttachEnabled
	s.mu.Unlock()

	if nodeWorker {
		s.emitAttachedToWorker(t)
		return t
	}
	if discover {
		s.emitTargetCreated(t)
	}
	if autoAttach {
		s.attachTarget(t)
	}
	return t
}

// DetachWorker emits the target's destroyed/detached lifecycle event and
// forgets it (spec.md §4.8 "On worker channel EOF").
func (s *Session) DetachWorker(targetID string) {
	s.mu.Lock()
	_, ok := s.targets[targetID]
	delete(s.targets, targetID)
	nodeWorker := s.nodeWorkerMode
	s.mu.Unlock()
	if !ok {
		return
	}

	if nodeWorker {
		s.Emit("", "NodeWorker.detachedFromWorker", map[string]any{"workerId": targetID})
	} else {
		s.Emit("", "Target.targetDestroyed", map[string]any{"targetId": targetID})
	}
}

// ReceiveFromWorker delivers a message a worker emitted on its own
// channel back to the client (spec.md §4.8 "Outgoing from workers"): in
// NodeWorker mode it's wrapped as NodeWorker.receivedMessageFromWorker;
// otherwise sessionId is injected at the top level and the message is
// forwarded as-is (flattened mode).
func (s *Session) ReceiveFromWorker(workerID string, raw []byte) {
	s.mu.Lock()
	nodeWorker := s.nodeWorkerMode
	s.mu.Unlock()

	if nodeWorker {
		s.Emit("", "NodeWorker.receivedMessageFromWorker", map[string]any{
			"sessionId": workerID,
			"workerId":  workerID,
			"message":   string(raw),
		})
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.SafeDebug("inspector: worker %q sent a malformed message: %v", workerID, err)
		return
	}
	msg.SessionID = workerID
	s.send(msg)
}

// Close tears down the underlying websocket connection.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Gate implements spec.md §4.8's wait_for_session: the host's
// --inspect-brk path blocks the main engine goroutine here before
// running any user script, until a DevTools front end actually
// connects. It is built directly on Waker.Park, so a second connection
// racing the first is harmless — only the first Arrive unparks the
// waiter.
type Gate struct {
	waker Waker

	mu      sync.Mutex
	session *Session
}

// NewGate returns a Gate with no session attached yet.
func NewGate() *Gate { return &Gate{} }

// Arrive records sess as the session satisfying the gate and wakes any
// goroutine blocked in WaitForSession. Only the first call has any
// effect; later sessions connecting while already past the gate don't
// re-trigger it.
func (g *Gate) Arrive(sess *Session) {
	g.mu.Lock()
	if g.session == nil {
		g.session = sess
	}
	g.mu.Unlock()
	g.waker.Wake()
}

// WaitForSession blocks until a session Arrives, ctx is cancelled, or
// the gate is abandoned via Close, returning whichever session arrived
// first.
func (g *Gate) WaitForSession(ctx context.Context) (*Session, error) {
	g.mu.Lock()
	sess := g.session
	g.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	if err := g.waker.Park(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session, nil
}

// Close abandons the gate, unblocking any WaitForSession call with
// errWakerDropped.
func (g *Gate) Close() {
	g.waker.Drop()
}
