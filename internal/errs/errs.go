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

// Package errs implements the error taxonomy from spec.md §7: resolution,
// fetch, parse, emit, check, load, runtime, HTTP/2, and inspector errors.
// Each kind carries enough context (specifier, media type, stream id) to
// be reported without the caller re-deriving it.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error without requiring a type switch on a concrete
// Go type — callers that only care about the taxonomy bucket can compare
// Kind values returned by As(err).
type Kind int

const (
	KindUnknown Kind = iota
	KindResolution
	KindFetch
	KindParse
	KindEmit
	KindCheck
	KindLoad
	KindRuntime
	KindHTTP2
	KindInspector
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindFetch:
		return "fetch"
	case KindParse:
		return "parse"
	case KindEmit:
		return "emit"
	case KindCheck:
		return "check"
	case KindLoad:
		return "load"
	case KindRuntime:
		return "runtime"
	case KindHTTP2:
		return "http2"
	case KindInspector:
		return "inspector"
	default:
		return "unknown"
	}
}

// Sentinel errors for conditions callers need to distinguish with
// errors.Is, independent of the context each gets wrapped with below.
var (
	ErrInvalidSpecifier   = errors.New("invalid specifier")
	ErrUnknownScheme      = errors.New("unknown specifier scheme")
	ErrInvalidDowngrade   = errors.New("https referrer must not import a plain http specifier")
	ErrInvalidLocalImport = errors.New("jsr module must not import a non-jsr http(s) specifier")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrMissingSpecifier   = errors.New("missing specifier")

	ErrCacheCorrupt = errors.New("fetch cache entry is corrupt")

	ErrModuleTypeMismatch = errors.New("loaded module type disagrees with requested type")
	ErrNotPrepared        = errors.New("module graph was not prepared before load")
	ErrPermissionDenied   = errors.New("permission denied")

	ErrUnhandledRejection = errors.New("uncaught (in promise)")
	ErrTerminated         = errors.New("execution terminated")
	ErrHeapLimitReached   = errors.New("near heap limit")

	ErrReentrantPoll     = errors.New("inspector session container already borrowed")
	ErrWorkerChannelEOF  = errors.New("worker channel closed")
	ErrCancelled         = errors.New("cancelled")
)

// Error is the wrapper type every component returns for taxonomy errors
// that need a context path (specifier, media type, stream id) attached.
type Error struct {
	Kind       Kind
	Specifier  string
	MediaType  string
	StreamID   int32
	Range      string // "line:col" or "line:col-line:col", empty if unknown
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Specifier != "" {
		msg += fmt.Sprintf(" at %s", e.Specifier)
	}
	if e.MediaType != "" {
		msg += fmt.Sprintf(" (%s)", e.MediaType)
	}
	if e.StreamID != 0 {
		msg += fmt.Sprintf(" [stream %d]", e.StreamID)
	}
	if e.Range != "" {
		msg += fmt.Sprintf(" @%s", e.Range)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Resolution wraps a resolver-stage error with the specifier and optional
// source position that produced it.
func Resolution(specifier, rng string, err error) error {
	return &Error{Kind: KindResolution, Specifier: specifier, Range: rng, Err: err}
}

// Fetch wraps a fetch-stage error with the specifier that failed.
func Fetch(specifier string, err error) error {
	return &Error{Kind: KindFetch, Specifier: specifier, Err: err}
}

// Parse wraps a parse-stage error with the specifier and source range.
func Parse(specifier, rng string, err error) error {
	return &Error{Kind: KindParse, Specifier: specifier, Range: rng, Err: err}
}

// Emit wraps an emit-stage error with the specifier and media type.
func Emit(specifier, mediaType string, err error) error {
	return &Error{Kind: KindEmit, Specifier: specifier, MediaType: mediaType, Err: err}
}

// Load wraps a load-stage error with the specifier.
func Load(specifier string, err error) error {
	return &Error{Kind: KindLoad, Specifier: specifier, Err: err}
}

// HTTP2 wraps a protocol-stage error with the stream id it occurred on.
func HTTP2(streamID int32, err error) error {
	return &Error{Kind: KindHTTP2, StreamID: streamID, Err: err}
}

// Inspector wraps an inspector-stage error.
func Inspector(err error) error {
	return &Error{Kind: KindInspector, Err: err}
}

// As reports whether err (or one it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
