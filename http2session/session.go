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

// Package http2session implements C8: a stream-level HTTP/2 session
// engine exposing the callback surface the runtime core drives directly
// (on_begin_headers / on_header / on_frame_recv / on_stream_close /
// on_data_chunk_recv / on_stream_read / on_select_padding), built on top
// of golang.org/x/net/http2's frame codec (spec.md §4.5, §6).
package http2session

import (
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"quasar.dev/core/internal/errs"
)

// defaultHeaderListQuota bounds the total bytes a stream's accumulated
// header fields may occupy before on_header refuses further HEADERS with
// RST_STREAM(ENHANCE_YOUR_CALM) (spec.md §4.9), mirrored from
// DefaultSettings' MaxHeaderListSize.
const defaultHeaderListQuota = 10 << 20

// PaddingStrategy selects how SelectPadding pads an outgoing frame
// (spec.md §4.9's on_select_padding).
type PaddingStrategy int

const (
	// PaddingNone pads nothing: the frame keeps its natural length.
	PaddingNone PaddingStrategy = iota
	// PaddingMax always pads up to maxPayload.
	PaddingMax
	// PaddingAligned pads up to the next 8-byte boundary, capped at
	// maxPayload.
	PaddingAligned
	// PaddingCallback defers to the session's OnSelectPadding callback,
	// also capped at the next 8-byte boundary and maxPayload.
	PaddingCallback
)

// StreamState tracks one HTTP/2 stream through its lifecycle.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

// Stream is one active request/response exchange multiplexed on the
// session's single connection.
type Stream struct {
	ID      uint32
	State   StreamState
	Headers []hpack.HeaderField
	mu      sync.Mutex
	data    []byte

	// headerBytes tracks the accumulated size of Headers against the
	// session's header quota (spec.md §4.9 on_header).
	headerBytes int
}

// Callbacks is the set of hooks the engine drives as frames arrive,
// named after the nghttp2-style callback surface spec.md §6 describes.
type Callbacks struct {
	OnBeginHeaders    func(streamID uint32)
	OnHeader          func(streamID uint32, field hpack.HeaderField)
	OnFrameRecv       func(frame http2.Frame)
	OnDataChunkRecv   func(streamID uint32, chunk []byte)
	OnStreamClose     func(streamID uint32, errCode http2.ErrCode)
	OnStreamRead      func(streamID uint32, length uint32)
	OnSelectPadding   func(frameLen, maxPayload uint32) uint32
}

// SettingsBuffer is the fixed-shape settings frame payload spec.md §6
// specifies for the initial handshake.
type SettingsBuffer struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultSettings mirrors http2.Server's own defaults, since the session
// engine plays both client and server roles depending on which side of
// the engine's own fetch/serve boundary it's driving.
func DefaultSettings() SettingsBuffer {
	return SettingsBuffer{
		HeaderTableSize:      4096,
		EnablePush:           false,
		MaxConcurrentStreams: 250,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    10 << 20,
	}
}

func (s SettingsBuffer) toFrames() []http2.Setting {
	settings := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: s.HeaderTableSize},
		{ID: http2.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: s.MaxHeaderListSize},
	}
	if s.EnablePush {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 1})
	} else {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	}
	return settings
}

// Session drives an HTTP/2 connection's frame stream and dispatches
// Callbacks as frames decode, the way the engine's driver loop pumps
// read()/send_pending_data() (spec.md §4.5).
type Session struct {
	framer    *http2.Framer
	decoder   *hpack.Decoder
	callbacks Callbacks
	settings  SettingsBuffer

	mu      sync.Mutex
	streams map[uint32]*Stream

	// currentHeadersStreamID tracks which stream a HEADERS/CONTINUATION
	// fragment belongs to, since hpack.Decoder's emit callback does not
	// carry a stream id itself.
	currentHeadersStreamID uint32

	// gracefulClose, once set, refuses every new stream with
	// RST_STREAM(REFUSED_STREAM) at on_begin_headers (spec.md §4.9).
	gracefulClose bool

	// headerQuota bounds the header bytes on_header will accumulate for
	// a single stream before refusing with RST_STREAM(ENHANCE_YOUR_CALM).
	headerQuota int

	// padding selects the on_select_padding strategy (spec.md §4.9).
	padding PaddingStrategy
}

// NewSession wraps rw in a frame codec and installs cb as the callback
// surface the Read loop dispatches to.
func NewSession(rw io.ReadWriter, settings SettingsBuffer, cb Callbacks) *Session {
	framer := http2.NewFramer(rw, rw)
	framer.ReadMetaHeaders = nil // headers are decoded manually so OnHeader fires per-field
	s := &Session{
		framer:      framer,
		callbacks:   cb,
		settings:    settings,
		streams:     map[uint32]*Stream{},
		headerQuota: defaultHeaderListQuota,
		padding:     PaddingNone,
	}
	if settings.MaxHeaderListSize > 0 {
		s.headerQuota = int(settings.MaxHeaderListSize)
	}
	s.decoder = hpack.NewDecoder(settings.HeaderTableSize, func(f hpack.HeaderField) {
		s.onHeaderField(f)
	})
	return s
}

// SetGracefulClose puts the session into (or out of) graceful-close
// mode: every stream subsequently opened via on_begin_headers is
// immediately refused with RST_STREAM(REFUSED_STREAM) instead of being
// added to the stream table (spec.md §4.9, Scenario 3).
func (s *Session) SetGracefulClose(graceful bool) {
	s.mu.Lock()
	s.gracefulClose = graceful
	s.mu.Unlock()
}

// SetPaddingStrategy selects the strategy SelectPadding applies.
func (s *Session) SetPaddingStrategy(p PaddingStrategy) {
	s.mu.Lock()
	s.padding = p
	s.mu.Unlock()
}

// SendSettings writes the initial SETTINGS frame (spec.md §6 handshake).
func (s *Session) SendSettings() error {
	return s.framer.WriteSettings(s.settings.toFrames()...)
}

// SendPendingData flushes the framer's buffered writes; with the
// standard library's io.Writer-backed Framer this is a no-op hook kept
// for symmetry with the engine's read()/send_pending_data() driver pair.
func (s *Session) SendPendingData() error { return nil }

// Read pumps one frame through the framer and dispatches the
// appropriate Callbacks entries, mirroring the engine's per-tick read().
func (s *Session) Read() error {
	frame, err := s.framer.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errs.HTTP2(0, err)
	}

	// A HEADERS frame refused under graceful close is not surfaced.
	refused := false
	if _, ok := frame.(*http2.HeadersFrame); ok {
		s.mu.Lock()
		refused = s.gracefulClose
		s.mu.Unlock()
	}
	if s.callbacks.OnFrameRecv != nil && !refused {
		s.callbacks.OnFrameRecv(frame)
	}

	switch f := frame.(type) {
	case *http2.HeadersFrame:
		return s.handleHeaders(f)
	case *http2.ContinuationFrame:
		s.currentHeadersStreamID = f.StreamID
		if _, err := s.decoder.Write(f.HeaderBlockFragment()); err != nil {
			return errs.HTTP2(int32(f.StreamID), err)
		}
	case *http2.DataFrame:
		return s.handleData(f)
	case *http2.RSTStreamFrame:
		s.closeStream(f.StreamID, f.ErrCode)
	case *http2.SettingsFrame:
		// peer settings; nothing further to apply for the read path
	}
	return nil
}

func (s *Session) handleHeaders(f *http2.HeadersFrame) error {
	s.mu.Lock()
	if s.gracefulClose {
		s.mu.Unlock()
		// on_begin_headers, session in graceful-close (spec.md §4.9,
		// Scenario 3): refuse without allocating a stream, without
		// decoding headers, and without surfacing on_frame_recv.
		return s.refuseStream(f.StreamID)
	}
	stream, ok := s.streams[f.StreamID]
	if !ok {
		stream = &Stream{ID: f.StreamID, State: StreamOpen}
		s.streams[f.StreamID] = stream
	}
	s.mu.Unlock()

	if s.callbacks.OnBeginHeaders != nil {
		s.callbacks.OnBeginHeaders(f.StreamID)
	}

	s.currentHeadersStreamID = f.StreamID
	if _, err := s.decoder.Write(f.HeaderBlockFragment()); err != nil {
		return errs.HTTP2(int32(f.StreamID), err)
	}

	if f.StreamEnded() {
		s.closeHalf(f.StreamID, false)
	}
	return nil
}

// refuseStream sends RST_STREAM(REFUSED_STREAM) for streamID and leaves
// the stream table untouched.
func (s *Session) refuseStream(streamID uint32) error {
	return s.framer.WriteRSTStream(streamID, http2.ErrCodeRefusedStream)
}

// onHeaderField is the hpack decoder's per-field emit callback: it
// appends the field to the current stream's header buffer, enforcing
// the session's header quota (spec.md §4.9 on_header), and forwards to
// Callbacks.OnHeader once within quota.
func (s *Session) onHeaderField(f hpack.HeaderField) {
	streamID := s.currentHeadersStreamID

	s.mu.Lock()
	stream, ok := s.streams[streamID]
	quota := s.headerQuota
	s.mu.Unlock()
	if !ok {
		return
	}

	fieldSize := len(f.Name) + len(f.Value) + 32 // HTTP/2 HPACK per-field overhead

	stream.mu.Lock()
	stream.headerBytes += fieldSize
	overQuota := stream.headerBytes > quota
	if !overQuota {
		stream.Headers = append(stream.Headers, f)
	}
	stream.mu.Unlock()

	if overQuota {
		if err := s.framer.WriteRSTStream(streamID, http2.ErrCodeEnhanceYourCalm); err != nil {
			return
		}
		s.closeStream(streamID, http2.ErrCodeEnhanceYourCalm)
		return
	}

	if s.callbacks.OnHeader != nil {
		s.callbacks.OnHeader(streamID, f)
	}
}

func (s *Session) handleData(f *http2.DataFrame) error {
	data := f.Data()
	if s.callbacks.OnDataChunkRecv != nil {
		s.callbacks.OnDataChunkRecv(f.StreamID, data)
	}

	s.mu.Lock()
	stream, ok := s.streams[f.StreamID]
	s.mu.Unlock()
	if ok {
		stream.mu.Lock()
		stream.data = append(stream.data, data...)
		stream.mu.Unlock()
		if s.callbacks.OnStreamRead != nil {
			s.callbacks.OnStreamRead(f.StreamID, uint32(len(data)))
		}
	}

	if f.StreamEnded() {
		s.closeHalf(f.StreamID, false)
	}
	return nil
}

func (s *Session) closeHalf(streamID uint32, local bool) {
	s.mu.Lock()
	stream, ok := s.streams[streamID]
	if ok {
		if local {
			stream.State = StreamHalfClosedLocal
		} else {
			stream.State = StreamHalfClosedRemote
		}
	}
	s.mu.Unlock()
}

func (s *Session) closeStream(streamID uint32, errCode http2.ErrCode) {
	s.mu.Lock()
	if stream, ok := s.streams[streamID]; ok {
		stream.State = StreamClosed
	}
	delete(s.streams, streamID)
	s.mu.Unlock()
	if s.callbacks.OnStreamClose != nil {
		s.callbacks.OnStreamClose(streamID, errCode)
	}
}

// SelectPadding applies the session's PaddingStrategy to frameLen,
// capped at maxPayload (spec.md §4.9 on_select_padding): None leaves
// the frame at its natural length, Max always pads to maxPayload,
// Aligned pads up to the next 8-byte boundary, and Callback defers to
// OnSelectPadding before applying the same 8-byte-boundary cap.
func (s *Session) SelectPadding(frameLen, maxPayload uint32) uint32 {
	s.mu.Lock()
	strategy := s.padding
	s.mu.Unlock()

	switch strategy {
	case PaddingNone:
		return frameLen
	case PaddingMax:
		return maxPayload
	case PaddingAligned:
		return alignPadding(frameLen, maxPayload)
	case PaddingCallback:
		if s.callbacks.OnSelectPadding != nil {
			frameLen = s.callbacks.OnSelectPadding(frameLen, maxPayload)
		}
		return alignPadding(frameLen, maxPayload)
	default:
		return frameLen
	}
}

// alignPadding rounds frameLen up to the next 8-byte boundary, capped at
// maxPayload.
func alignPadding(frameLen, maxPayload uint32) uint32 {
	const boundary = 8
	aligned := (frameLen + boundary - 1) / boundary * boundary
	if aligned > maxPayload {
		return maxPayload
	}
	return aligned
}

// WriteData sends a DATA frame for streamID, optionally ending the
// stream.
func (s *Session) WriteData(streamID uint32, data []byte, endStream bool) error {
	return s.framer.WriteData(streamID, endStream, data)
}
