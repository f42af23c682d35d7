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

package inspector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/inspector"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestSessionDispatchesRegisteredMethod(t *testing.T) {
	var session *Session
	handlerReady := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/inspector", func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, RoutingFlattened)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		session = s
		session.RegisterMethod("Runtime.evaluate", func(params json.RawMessage) (any, error) {
			return map[string]string{"result": "42"}, nil
		})
		close(handlerReady)
		_ = session.Serve()
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSession(t, srv)
	defer conn.Close()
	<-handlerReady

	id := int64(1)
	req := Message{ID: &id, Method: "Runtime.evaluate"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var out Message
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID == nil || *out.ID != 1 {
		t.Fatalf("expected id 1, got %v", out.ID)
	}
	if out.Error != nil {
		t.Fatalf("expected no error, got %v", out.Error)
	}
	if len(out.Result) == 0 {
		t.Fatal("expected a result payload")
	}
}

func TestWakerTransitions(t *testing.T) {
	var w Waker
	if w.Get() != WakerIdle {
		t.Fatalf("expected initial state Idle, got %v", w.Get())
	}
	w.Wake()
	if w.Get() != WakerWoken {
		t.Fatalf("expected Woken after Wake, got %v", w.Get())
	}
	w.Drop()
	if w.Get() != WakerDropped {
		t.Fatalf("expected Dropped, got %v", w.Get())
	}
	w.Wake()
	if w.Get() != WakerDropped {
		t.Fatal("expected Wake to be a no-op once Dropped")
	}
}

// TestAttachWorkerEmitsTargetCreatedThenAttachedToTarget exercises
// Concrete Scenario 2: with discovery and auto-attach both enabled and
// NodeWorker mode off, attaching a worker must emit exactly
// Target.targetCreated followed by Target.attachedToTarget, in that
// order, with the exact field shape spec.md §4.8 specifies.
func TestAttachWorkerEmitsTargetCreatedThenAttachedToTarget(t *testing.T) {
	sess, conn, cleanup := newTestSession(t)
	defer cleanup()

	sendCommand(t, conn, 1, "Target.setDiscoverTargets", `{"discover":true}`)
	readAck(t, conn)
	sendCommand(t, conn, 2, "Target.setAutoAttach", `{"autoAttach":true}`)
	readAck(t, conn)

	sess.AttachWorker("file:///w.js")

	created := readEvent(t, conn)
	if created.Method != "Target.targetCreated" {
		t.Fatalf("expected Target.targetCreated first, got %q", created.Method)
	}
	var createdParams struct {
		TargetInfo struct {
			TargetID        string `json:"targetId"`
			Type            string `json:"type"`
			Title           string `json:"title"`
			URL             string `json:"url"`
			Attached        bool   `json:"attached"`
			CanAccessOpener bool   `json:"canAccessOpener"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(created.Params, &createdParams); err != nil {
		t.Fatalf("Unmarshal targetCreated params: %v", err)
	}
	if createdParams.TargetInfo.TargetID != "1" || createdParams.TargetInfo.Type != "node_worker" ||
		createdParams.TargetInfo.Title != "worker [1]" || createdParams.TargetInfo.URL != "file:///w.js" ||
		createdParams.TargetInfo.Attached || !createdParams.TargetInfo.CanAccessOpener {
		t.Fatalf("unexpected targetCreated targetInfo: %+v", createdParams.TargetInfo)
	}

	attached := readEvent(t, conn)
	if attached.Method != "Target.attachedToTarget" {
		t.Fatalf("expected Target.attachedToTarget second, got %q", attached.Method)
	}
	var attachedParams struct {
		SessionID  string `json:"sessionId"`
		TargetInfo struct {
			Attached bool `json:"attached"`
		} `json:"targetInfo"`
		WaitingForDebugger bool `json:"waitingForDebugger"`
	}
	if err := json.Unmarshal(attached.Params, &attachedParams); err != nil {
		t.Fatalf("Unmarshal attachedToTarget params: %v", err)
	}
	if attachedParams.SessionID != "1" || !attachedParams.TargetInfo.Attached || attachedParams.WaitingForDebugger {
		t.Fatalf("unexpected attachedToTarget params: %+v", attachedParams)
	}
}

// TestAttachTargetIsIdempotent confirms P6: a worker already attached
// does not emit a second Target.attachedToTarget.
func TestAttachTargetIsIdempotent(t *testing.T) {
	sess, conn, cleanup := newTestSession(t)
	defer cleanup()

	sendCommand(t, conn, 1, "Target.setAutoAttach", `{"autoAttach":true}`)
	readAck(t, conn)

	target := sess.AttachWorker("file:///w.js")
	readEvent(t, conn) // attachedToTarget

	sess.attachTarget(target) // second call for the same target: must be silent

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no second attachedToTarget notification")
	}
}

func TestWakerParkUnparksOnWake(t *testing.T) {
	var w Waker
	done := make(chan error, 1)
	go func() {
		done <- w.Park(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	w.Wake()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Park returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Park did not return after Wake")
	}
}

func TestWakerParkReturnsOnContextCancel(t *testing.T) {
	var w Waker
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Park(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Park to return the context's error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Park did not return after context cancellation")
	}
}

func TestGateWaitForSessionBlocksUntilArrive(t *testing.T) {
	g := NewGate()
	sess := &Session{}

	done := make(chan *Session, 1)
	go func() {
		got, err := g.WaitForSession(context.Background())
		if err != nil {
			t.Errorf("WaitForSession: %v", err)
			return
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	g.Arrive(sess)

	select {
	case got := <-done:
		if got != sess {
			t.Fatal("expected WaitForSession to return the arrived session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSession did not return after Arrive")
	}
}

// newTestSession upgrades a live websocket connection and returns the
// server-side Session alongside the client conn.
func newTestSession(t *testing.T) (*Session, *websocket.Conn, func()) {
	t.Helper()
	var session *Session
	ready := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/inspector", func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, RoutingFlattened)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		session = s
		close(ready)
		_ = s.Serve()
	})
	srv := httptest.NewServer(mux)
	conn := dialSession(t, srv)
	<-ready

	return session, conn, func() {
		conn.Close()
		srv.Close()
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, id int64, method, params string) {
	t.Helper()
	msg := Message{ID: &id, Method: method, Params: json.RawMessage(params)}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func readAck(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return msg
}

func readEvent(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	return readAck(t, conn)
}

func TestIsLocalOriginAllowsLocalhostAndSameHost(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/inspector", nil)
	req.Host = "example.com"
	req.Header.Set("Origin", "http://example.com")
	if !isLocalOrigin(req) {
		t.Fatal("expected same-host origin to be allowed")
	}

	req2 := httptest.NewRequest("GET", "http://example.com/inspector", nil)
	req2.Host = "example.com"
	req2.Header.Set("Origin", "http://evil.example.net")
	if isLocalOrigin(req2) {
		t.Fatal("expected cross-origin request to be rejected")
	}

	req3 := httptest.NewRequest("GET", "http://localhost:9229/inspector", nil)
	req3.Host = "localhost:9229"
	req3.Header.Set("Origin", "http://localhost:9229")
	if !isLocalOrigin(req3) {
		t.Fatal("expected localhost origin to be allowed")
	}
}
