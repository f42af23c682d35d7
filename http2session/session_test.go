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

package http2session

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func TestSessionDispatchesHeadersAndData(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var gotHeaders []hpack.HeaderField
	var gotData []byte
	begun := false

	server := NewSession(serverConn, DefaultSettings(), Callbacks{
		OnBeginHeaders: func(streamID uint32) { begun = true },
		OnHeader:       func(streamID uint32, f hpack.HeaderField) { gotHeaders = append(gotHeaders, f) },
		OnDataChunkRecv: func(streamID uint32, chunk []byte) {
			gotData = append(gotData, chunk...)
		},
	})

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 2; i++ {
			if err := server.Read(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	clientFramer := http2.NewFramer(clientConn, clientConn)
	var headerBuf []byte
	var enc headerEncoder
	headerBuf = enc.encode(":method", "GET")

	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: headerBuf,
		EndHeaders:    true,
		EndStream:     false,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	if err := clientFramer.WriteData(1, true, []byte("hello")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server.Read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to process frames")
	}

	if !begun {
		t.Fatal("expected OnBeginHeaders to fire")
	}
	if len(gotHeaders) == 0 {
		t.Fatal("expected at least one decoded header field")
	}
	if string(gotData) != "hello" {
		t.Fatalf("got data %q", gotData)
	}
}

// TestGracefulCloseRefusesNewStream exercises Scenario 3: once the
// session is in graceful-close, a HEADERS frame for a new stream is
// refused with RST_STREAM(REFUSED_STREAM), on_frame_recv never fires for
// it, and the stream table does not grow.
func TestGracefulCloseRefusesNewStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	frameRecvCount := 0
	server := NewSession(serverConn, DefaultSettings(), Callbacks{
		OnFrameRecv: func(frame http2.Frame) {
			if _, ok := frame.(*http2.HeadersFrame); ok {
				frameRecvCount++
			}
		},
	})
	server.SetGracefulClose(true)

	done := make(chan error, 1)
	go func() { done <- server.Read() }()

	clientFramer := http2.NewFramer(clientConn, clientConn)
	var enc headerEncoder
	headerBuf := enc.encode(":method", "GET")
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: headerBuf,
		EndHeaders:    true,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	clientFramer2 := http2.NewFramer(clientConn, clientConn)
	frame, err := clientFramer2.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	rst, ok := frame.(*http2.RSTStreamFrame)
	if !ok {
		t.Fatalf("expected RST_STREAM, got %T", frame)
	}
	if rst.ErrCode != http2.ErrCodeRefusedStream {
		t.Fatalf("expected REFUSED_STREAM, got %v", rst.ErrCode)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server.Read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server.Read")
	}

	if frameRecvCount != 0 {
		t.Fatal("expected no on_frame_recv for a refused stream's HEADERS")
	}
	server.mu.Lock()
	n := len(server.streams)
	server.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the stream table to stay empty, got %d entries", n)
	}
}

// TestHeaderQuotaExceededRefusesWithEnhanceYourCalm confirms on_header's
// over-quota path: once a stream's accumulated header bytes exceed the
// session's quota, the stream is reset with ENHANCE_YOUR_CALM and closed.
func TestHeaderQuotaExceededRefusesWithEnhanceYourCalm(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var closedCode http2.ErrCode
	closed := make(chan struct{})
	server := NewSession(serverConn, DefaultSettings(), Callbacks{
		OnStreamClose: func(streamID uint32, errCode http2.ErrCode) {
			closedCode = errCode
			close(closed)
		},
	})
	server.headerQuota = 16 // force a tiny quota for the test

	done := make(chan error, 1)
	go func() {
		for {
			if err := server.Read(); err != nil {
				done <- err
				return
			}
		}
	}()

	clientFramer := http2.NewFramer(clientConn, clientConn)
	var enc headerEncoder
	headerBuf := enc.encode("x-very-long-header-name-to-blow-the-quota", "a-long-enough-value-too")
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: headerBuf,
		EndHeaders:    true,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	clientFramer2 := http2.NewFramer(clientConn, clientConn)
	frame, err := clientFramer2.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	rst, ok := frame.(*http2.RSTStreamFrame)
	if !ok {
		t.Fatalf("expected RST_STREAM, got %T", frame)
	}
	if rst.ErrCode != http2.ErrCodeEnhanceYourCalm {
		t.Fatalf("expected ENHANCE_YOUR_CALM, got %v", rst.ErrCode)
	}

	select {
	case <-closed:
		if closedCode != http2.ErrCodeEnhanceYourCalm {
			t.Fatalf("expected OnStreamClose with ENHANCE_YOUR_CALM, got %v", closedCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnStreamClose")
	}
}

func TestSelectPaddingStrategies(t *testing.T) {
	s := NewSession(nil, DefaultSettings(), Callbacks{})

	s.SetPaddingStrategy(PaddingNone)
	if got := s.SelectPadding(10, 100); got != 10 {
		t.Fatalf("PaddingNone: got %d, want 10", got)
	}

	s.SetPaddingStrategy(PaddingMax)
	if got := s.SelectPadding(10, 100); got != 100 {
		t.Fatalf("PaddingMax: got %d, want 100", got)
	}

	s.SetPaddingStrategy(PaddingAligned)
	if got := s.SelectPadding(10, 100); got != 16 {
		t.Fatalf("PaddingAligned: got %d, want 16", got)
	}
	if got := s.SelectPadding(10, 12); got != 12 {
		t.Fatalf("PaddingAligned capped: got %d, want 12", got)
	}

	s.SetPaddingStrategy(PaddingCallback)
	s.callbacks.OnSelectPadding = func(frameLen, maxPayload uint32) uint32 { return frameLen + 3 }
	if got := s.SelectPadding(10, 100); got != 16 {
		t.Fatalf("PaddingCallback: got %d, want 16", got)
	}
}

type headerEncoder struct{}

func (headerEncoder) encode(name, value string) []byte {
	var buf []byte
	enc := hpack.NewEncoder(&sliceWriter{buf: &buf})
	_ = enc.WriteField(hpack.HeaderField{Name: name, Value: value})
	return buf
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
