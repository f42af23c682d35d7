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

// Package emit implements C6: transpiling TS/JSX/TSX source to JavaScript
// via esbuild, wrapping CJS modules into ESM, and caching transpiled
// output keyed by content + options fingerprint.
package emit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"quasar.dev/core/fetch"
	"quasar.dev/core/internal/errs"
)

// Target mirrors the teacher's esbuild target enum (serve/middleware/
// transform/engine.go), generalized from a hardcoded server default to a
// per-engine configuration value (spec.md §4.3).
type Target string

const (
	ES2015 Target = "es2015"
	ES2018 Target = "es2018"
	ES2020 Target = "es2020"
	ES2022 Target = "es2022"
	ESNext Target = "esnext"
)

func (t Target) toESBuild() api.Target {
	switch t {
	case ES2015:
		return api.ES2015
	case ES2018:
		return api.ES2018
	case ES2020:
		return api.ES2020
	case ES2022:
		return api.ES2022
	case ESNext:
		return api.ESNext
	default:
		return api.ES2022
	}
}

// Options configures one transpile call.
type Options struct {
	Target      Target
	Sourcefile  string
	TsconfigRaw string
}

// Result is the transpiled output plus its source map.
type Result struct {
	Code      []byte
	SourceMap []byte
}

// loaderFor maps a fetched media type to the esbuild loader that handles
// it, and reports whether the media type needs emitting at all: the
// Dts family always produces empty output (spec.md §4.3 "Dts empty-emit
// rule") since declaration files carry no runtime code.
func loaderFor(mt fetch.MediaType) (api.Loader, bool) {
	switch mt {
	case fetch.MediaTypeScript, fetch.MediaMts, fetch.MediaCts:
		return api.LoaderTS, true
	case fetch.MediaTSX:
		return api.LoaderTSX, true
	case fetch.MediaJSX:
		return api.LoaderJSX, true
	case fetch.MediaJavaScript, fetch.MediaMjs, fetch.MediaCjs:
		return api.LoaderJS, true
	case fetch.MediaDts, fetch.MediaDmts, fetch.MediaDcts:
		return api.LoaderJS, false
	default:
		return api.LoaderJS, true
	}
}

// Emitter transpiles source text, consulting a Cache first.
type Emitter struct {
	Cache *Cache
}

// NewEmitter creates an Emitter backed by a cache of the given max size
// in bytes.
func NewEmitter(maxCacheBytes int64) *Emitter {
	return &Emitter{Cache: NewCache(maxCacheBytes)}
}

// Emit transpiles source for specifierText according to its media type,
// returning an empty Result for the Dts family without invoking esbuild.
// CJS and CTS sources are transpiled to CommonJS first and then run
// through cjsToESM, since a plain --format=esm transform leaves require()/
// module.exports untouched rather than turning them into ESM bindings
// (spec.md §4.6).
func (e *Emitter) Emit(specifierText string, source []byte, mt fetch.MediaType, opts Options) (Result, error) {
	loader, needsEmit := loaderFor(mt)
	if !needsEmit {
		return Result{}, nil
	}
	isCJS := mt == fetch.MediaCjs || mt == fetch.MediaCts

	key := CacheKey{Fingerprint: string(mt) + ":" + fingerprint(source, opts)}
	if cached, ok := e.Cache.Get(key); ok {
		return Result{Code: cached.Code, SourceMap: cached.SourceMap}, nil
	}

	tsconfigRaw := opts.TsconfigRaw
	if tsconfigRaw == "" {
		tsconfigRaw = `{"compilerOptions":{"importHelpers":false}}`
	}

	format := api.FormatESModule
	if isCJS {
		format = api.FormatCommonJS
	}

	result := api.Transform(string(source), api.TransformOptions{
		Loader:      loader,
		Target:      opts.Target.toESBuild(),
		Format:      format,
		Sourcemap:   api.SourceMapExternal,
		Sourcefile:  opts.Sourcefile,
		TsconfigRaw: tsconfigRaw,
	})
	if len(result.Errors) > 0 {
		msg := "transform failed:"
		for _, e := range result.Errors {
			msg += fmt.Sprintf("\n  %s", e.Text)
		}
		return Result{}, errs.Emit(specifierText, string(mt), fmt.Errorf("%s", msg))
	}

	code := result.Code
	if isCJS {
		code = cjsToESM(code, opts.Sourcefile)
	}

	e.Cache.Set(key, code, result.Map)
	return Result{Code: code, SourceMap: result.Map}, nil
}

// cjsToESM wraps esbuild's CommonJS-format output in a synthesized ESM
// shim: the CJS body runs inside an IIFE closed over local module/exports/
// require bindings, and module.exports becomes the wrapper's default
// export. Named re-exports would need static analysis of module.exports
// (what Node's cjs-module-lexer does); without that, a CJS module only
// round-trips through its default export here.
func cjsToESM(code []byte, sourcefile string) []byte {
	var b strings.Builder
	b.WriteString("// quasar: CJS→ESM wrapper for ")
	b.WriteString(sourcefile)
	b.WriteString("\nfunction __quasarCjsRequire(specifier) {\n")
	b.WriteString("  throw new Error(\"dynamic require() is not supported in an emitted ES module: \" + specifier);\n")
	b.WriteString("}\n")
	b.WriteString("const __quasarModule = { exports: {} };\n")
	b.WriteString("(function (module, exports, require) {\n")
	b.Write(code)
	b.WriteString("\n})(__quasarModule, __quasarModule.exports, __quasarCjsRequire);\n")
	b.WriteString("export default __quasarModule.exports;\n")
	return []byte(b.String())
}

// fingerprint derives a stable cache key from source bytes and the
// options that affect transpile output, since content alone is not
// sufficient once target/loader vary per engine configuration.
func fingerprint(source []byte, opts Options) string {
	h := sha256.New()
	h.Write(source)
	h.Write([]byte{0})
	h.Write([]byte(opts.Target))
	h.Write([]byte{0})
	h.Write([]byte(opts.Sourcefile))
	h.Write([]byte{0})
	h.Write([]byte(opts.TsconfigRaw))
	return hex.EncodeToString(h.Sum(nil))
}
