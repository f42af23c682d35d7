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

// Package fetch implements C3: resolving a specifier to its source bytes,
// headers, and media type across file:, http(s):, data:, npm:, and jsr:
// schemes, with RFC 7234 caching for network schemes.
package fetch

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"

	"quasar.dev/core/internal/errs"
	"quasar.dev/core/specifier"
)

// MediaType mirrors the classification spec.md §4.1 uses to route a
// fetched module through the parser and emitter.
type MediaType string

const (
	MediaJavaScript MediaType = "JavaScript"
	MediaMjs        MediaType = "Mjs"
	MediaCjs        MediaType = "Cjs"
	MediaJSX        MediaType = "Jsx"
	MediaTypeScript MediaType = "TypeScript"
	MediaMts        MediaType = "Mts"
	MediaCts        MediaType = "Cts"
	MediaTSX        MediaType = "Tsx"
	MediaDts        MediaType = "Dts"
	MediaDmts       MediaType = "Dmts"
	MediaDcts       MediaType = "Dcts"
	MediaJSON       MediaType = "Json"
	MediaWasm       MediaType = "Wasm"
	MediaUnknown    MediaType = "Unknown"
)

// Result is everything the graph builder needs about one fetched module.
type Result struct {
	Specifier string
	Source    []byte
	Headers   map[string]string
	MediaType MediaType
}

// Permissions gates which schemes and hosts a Fetcher may touch, grafted
// from the teacher's read/net permission checks scattered through
// workspace/ — centralized here instead of checked ad hoc at each call
// site.
type Permissions struct {
	AllowNet   bool
	AllowRead  bool
	AllowHosts []string
}

func (p Permissions) hostAllowed(host string) bool {
	if len(p.AllowHosts) == 0 {
		return true
	}
	for _, h := range p.AllowHosts {
		if h == host {
			return true
		}
	}
	return false
}

// Fetcher resolves specifiers to Result, using an RFC 7234 disk cache for
// network fetches (workspace/httpcache.go) and npm tarball unpacking for
// npm: specifiers (workspace/remote.go).
type Fetcher struct {
	client      *http.Client
	mu          sync.RWMutex
	finalURLs   map[string]string
	npm         *npmFetcher
	Permissions Permissions
}

// New creates a Fetcher whose network cache lives under cacheDir.
func New(cacheDir string, perms Permissions) *Fetcher {
	cache := diskcache.New(cacheDir)
	transport := httpcache.NewTransport(cache)
	return &Fetcher{
		client:      transport.Client(),
		finalURLs:   make(map[string]string),
		npm:         newNpmFetcher(cacheDir),
		Permissions: perms,
	}
}

// Fetch retrieves the bytes behind spec, dispatching on scheme.
func (f *Fetcher) Fetch(spec specifier.Specifier) (Result, error) {
	switch spec.Scheme {
	case specifier.SchemeFile:
		return f.fetchFile(spec.Text)
	case specifier.SchemeHTTP, specifier.SchemeHTTPS:
		return f.fetchHTTP(spec.Text)
	case specifier.SchemeData:
		return f.fetchData(spec.Text)
	case specifier.SchemeNpm:
		return f.npm.fetch(spec.Text)
	case specifier.SchemeJSR:
		return f.fetchHTTP(jsrToHTTPS(spec.Text))
	default:
		return Result{}, errs.Fetch(spec.Text, fmt.Errorf("%w: %s", errs.ErrUnknownScheme, spec.Scheme))
	}
}

func (f *Fetcher) fetchFile(text string) (Result, error) {
	if !f.Permissions.AllowRead {
		return Result{}, errs.Fetch(text, errs.ErrPermissionDenied)
	}
	u, err := url.Parse(text)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}
	path := u.Path
	content, err := os.ReadFile(path)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}
	return Result{
		Specifier: text,
		Source:    content,
		Headers:   map[string]string{},
		MediaType: mediaTypeFromExtension(path, ""),
	}, nil
}

func (f *Fetcher) fetchHTTP(text string) (Result, error) {
	if !f.Permissions.AllowNet {
		return Result{}, errs.Fetch(text, errs.ErrPermissionDenied)
	}
	u, err := url.Parse(text)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}
	if !f.Permissions.hostAllowed(u.Host) {
		return Result{}, errs.Fetch(text, errs.ErrPermissionDenied)
	}

	req, err := http.NewRequest(http.MethodGet, text, nil)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return Result{}, errs.Fetch(text, fmt.Errorf("http %d: %s", resp.StatusCode, resp.Status))
	}

	f.trackFinalURL(text, resp.Request.URL.String())

	content := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		content = append(content, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	contentType := resp.Header.Get("Content-Type")
	return Result{
		Specifier: text,
		Source:    content,
		Headers:   headers,
		MediaType: mediaTypeFromExtension(u.Path, contentType),
	}, nil
}

func (f *Fetcher) fetchData(text string) (Result, error) {
	const prefix = "data:"
	if !strings.HasPrefix(text, prefix) {
		return Result{}, errs.Fetch(text, fmt.Errorf("malformed data URL"))
	}
	rest := text[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma == -1 {
		return Result{}, errs.Fetch(text, fmt.Errorf("malformed data URL: missing comma"))
	}
	meta := rest[:comma]
	payload := rest[comma+1:]

	isBase64 := strings.HasSuffix(meta, ";base64")
	mediaTypeHeader := strings.TrimSuffix(meta, ";base64")
	if mediaTypeHeader == "" {
		mediaTypeHeader = "text/plain;charset=US-ASCII"
	}

	var content []byte
	var err error
	if isBase64 {
		content, err = base64.StdEncoding.DecodeString(payload)
	} else {
		decoded, uerr := url.QueryUnescape(payload)
		err = uerr
		content = []byte(decoded)
	}
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}

	return Result{
		Specifier: text,
		Source:    content,
		Headers:   map[string]string{"content-type": mediaTypeHeader},
		MediaType: mediaTypeFromExtension("", mediaTypeHeader),
	}, nil
}

func (f *Fetcher) trackFinalURL(original, final string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalURLs[original] = final
}

// FinalURL returns the post-redirect URL tracked for a prior fetch, or
// original if none was recorded.
func (f *Fetcher) FinalURL(original string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if final, ok := f.finalURLs[original]; ok {
		return final
	}
	return original
}

func jsrToHTTPS(text string) string {
	return "https://jsr.io/" + strings.TrimPrefix(text, "jsr:")
}

// mediaTypeFromExtension implements the precedence from spec.md §4.1:
// an explicit content-type header wins over the file extension, which
// wins over Unknown.
func mediaTypeFromExtension(path, contentType string) MediaType {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch {
			case strings.Contains(mt, "typescript"):
				return MediaTypeScript
			case strings.Contains(mt, "jsx"):
				return MediaJSX
			case strings.Contains(mt, "json"):
				return MediaJSON
			case strings.Contains(mt, "wasm"):
				return MediaWasm
			case strings.Contains(mt, "javascript"), mt == "text/ecmascript":
				return MediaJavaScript
			}
		}
	}

	switch {
	case strings.HasSuffix(path, ".d.mts"):
		return MediaDmts
	case strings.HasSuffix(path, ".d.cts"):
		return MediaDcts
	case strings.HasSuffix(path, ".d.ts"):
		return MediaDts
	case strings.HasSuffix(path, ".mts"):
		return MediaMts
	case strings.HasSuffix(path, ".cts"):
		return MediaCts
	case strings.HasSuffix(path, ".tsx"):
		return MediaTSX
	case strings.HasSuffix(path, ".ts"):
		return MediaTypeScript
	case strings.HasSuffix(path, ".mjs"):
		return MediaMjs
	case strings.HasSuffix(path, ".cjs"):
		return MediaCjs
	case strings.HasSuffix(path, ".jsx"):
		return MediaJSX
	case strings.HasSuffix(path, ".js"):
		return MediaJavaScript
	case strings.HasSuffix(path, ".json"):
		return MediaJSON
	case strings.HasSuffix(path, ".wasm"):
		return MediaWasm
	default:
		return MediaUnknown
	}
}
