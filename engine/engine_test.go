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
	"context"
	"testing"
	"time"
)

func TestRunScriptEvaluatesExpression(t *testing.T) {
	r := New(DefaultOptions())
	defer r.Dispose()

	got, err := r.RunScript("1 + 2", "test.js")
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if got != "3" {
		t.Fatalf("got %q, want 3", got)
	}
}

func TestDispatchSyncOpRunsInline(t *testing.T) {
	r := New(DefaultOptions())
	defer r.Dispose()

	r.RegisterOp(Op{Name: "echo", Kind: OpSync, Fn: func(args []byte) ([]byte, error) {
		return args, nil
	}})

	result, err := r.DispatchOp("echo", []byte("hello"))
	if err != nil {
		t.Fatalf("DispatchOp: %v", err)
	}
	if string(result) != "hello" {
		t.Fatalf("got %q, want hello", result)
	}
}

func TestDispatchAsyncOpQueuesForPoll(t *testing.T) {
	r := New(DefaultOptions())
	defer r.Dispose()

	r.RegisterOp(Op{Name: "slow", Kind: OpAsync, Fn: func(args []byte) ([]byte, error) {
		return []byte("done"), nil
	}})

	if _, err := r.DispatchOp("slow", nil); err != nil {
		t.Fatalf("DispatchOp: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.pending)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	if n == 0 {
		t.Fatal("expected a pending async op result before polling")
	}
}

func TestDispatchUnhandledRejectionPreservesAndRestoresContinuationData(t *testing.T) {
	r := New(DefaultOptions())
	defer r.Dispose()

	r.SetContinuationData("outer")

	var seenDuringHandler any
	r.OnUnhandledRejection(func(promiseID uint64, reason string) {
		seenDuringHandler = r.ContinuationData()
		r.SetContinuationData("handler-local")
	})

	r.DispatchUnhandledRejection(1, "boom")

	if seenDuringHandler != "outer" {
		t.Fatalf("expected the handler to observe the continuation data active when the rejection fired, got %v", seenDuringHandler)
	}
	if got := r.ContinuationData(); got != "outer" {
		t.Fatalf("expected continuation data to be restored after the handler ran, got %v", got)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := New(DefaultOptions())
	defer r.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := r.Terminate(ctx); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}

	if _, err := r.RunScript("1", "x.js"); err == nil {
		t.Fatal("expected RunScript to fail after Terminate")
	}
}
