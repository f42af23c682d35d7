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

// Package graph implements C5: building the module dependency graph by
// BFS from a set of roots, fetching and parsing modules concurrently with
// a bounded worker pool, and recording resolution failures on the edge
// that produced them rather than failing the whole build.
package graph

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/agext/levenshtein"

	"quasar.dev/core/fetch"
	"quasar.dev/core/internal/errs"
	"quasar.dev/core/internal/logging"
	"quasar.dev/core/parse"
	"quasar.dev/core/specifier"
)

// NodeKind classifies a resolved module node the way the engine's loader
// needs to distinguish them.
type NodeKind int

const (
	NodeJS NodeKind = iota
	NodeJSON
	NodeWasm
	NodeNpm
	NodeNode
	NodeExternal
)

// Node is one resolved module in the graph.
type Node struct {
	Specifier    string
	Kind         NodeKind
	MediaType    fetch.MediaType
	Source       []byte
	Exports      []parse.ExportedName
	Dependencies []Edge
	Error        error // non-nil if this node itself failed to fetch/parse
}

// Edge is one dependency of a Node, holding its own resolution error (if
// any) so a single bad import doesn't fail the whole graph build
// (spec.md §4.1 edge-held-error policy).
type Edge struct {
	RawSpecifier string
	Resolved     string
	Kind         parse.DependencyKind
	Pos          specifier.Position
	Error        error
}

// Graph is the BFS result: every reachable node keyed by resolved
// specifier, plus the root set that started the walk.
type Graph struct {
	Roots mapStringSlice
	Nodes map[string]*Node
}

type mapStringSlice = []string

// Builder drives the fetch → resolve → parse BFS, grounded on the
// teacher's ModuleBatchProcessor worker-pool shape (generate/parallel.go)
// sized to runtime.NumCPU().
type Builder struct {
	Fetcher  *fetch.Fetcher
	Resolver *specifier.Resolver
	Workers  int

	// LockfileJSON, if set, pins unversioned npm specifiers to the
	// version recorded in a prior run's lockfile (invariant I4), read
	// lazily per specifier via PinnedNpmVersion rather than decoded once
	// into a Lockfile struct.
	LockfileJSON []byte

	// AllowUnknownMediaTypes relaxes Validate's otherwise-fatal rejection
	// of Unknown media types (spec.md §4.3, §4.5 step 5).
	AllowUnknownMediaTypes bool
}

// NewBuilder constructs a Builder with a worker count defaulted to
// runtime.NumCPU(), mirroring NewModuleBatchProcessor.
func NewBuilder(fetcher *fetch.Fetcher, resolver *specifier.Resolver) *Builder {
	return &Builder{Fetcher: fetcher, Resolver: resolver, Workers: runtime.NumCPU()}
}

// pinNpm rewrites an unversioned "npm:name" specifier to "npm:name@version"
// using the builder's lockfile, if one is configured and has an entry for
// that package (I4). Specifiers that already carry a version, or that
// aren't npm at all, pass through unchanged.
func (b *Builder) pinNpm(resolved specifier.Specifier) string {
	if b.LockfileJSON == nil || resolved.Scheme != specifier.SchemeNpm {
		return resolved.Text
	}
	name, version, subpath, err := specifier.ParseNpmSpecifier(resolved.Text)
	if err != nil || version != "" {
		return resolved.Text
	}
	pinned := PinnedNpmVersion(b.LockfileJSON, "npm:"+name)
	if pinned == "" {
		return resolved.Text
	}
	out := "npm:" + name + "@" + pinned
	if subpath != "" {
		out += "/" + subpath
	}
	return out
}

type fetchJob struct {
	specifierText string
	spec          specifier.Specifier
}

type fetchResult struct {
	specifierText string
	node          *Node
	discovered    []Edge
}

// Build performs a concurrent BFS over roots, returning the full graph.
// A node that fails to fetch or parse is still recorded (with Error set)
// rather than aborting the build, per spec.md's "graph_roots_valid"
// invariant: only the roots themselves must resolve cleanly.
func (b *Builder) Build(ctx context.Context, roots []string) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}

	frontier := make([]fetchJob, 0, len(roots))
	for _, raw := range roots {
		resolved, err := b.Resolver.Resolve(raw, "", specifier.Position{}, specifier.ModeStatic, specifier.KindCode)
		if err != nil {
			return nil, errs.Resolution(raw, "", fmt.Errorf("%w: %s", errs.ErrMissingSpecifier, raw))
		}
		resolved.Text = b.pinNpm(resolved)
		g.Roots = append(g.Roots, resolved.Text)
		frontier = append(frontier, fetchJob{specifierText: resolved.Text, spec: resolved})
	}

	seen := map[string]bool{}
	for _, j := range frontier {
		seen[j.specifierText] = true
	}

	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			return g, ctx.Err()
		default:
		}

		results := b.processBatch(frontier)

		var next []fetchJob
		for _, r := range results {
			g.Nodes[r.specifierText] = r.node
			for _, edge := range r.discovered {
				if edge.Error != nil || seen[edge.Resolved] {
					continue
				}
				seen[edge.Resolved] = true
				spec, ok := specifier.SchemeOf(edge.Resolved)
				if !ok {
					continue
				}
				next = append(next, fetchJob{specifierText: edge.Resolved, spec: specifier.Specifier{Scheme: spec, Text: edge.Resolved}})
			}
		}
		frontier = next
	}

	return g, nil
}

// processBatch runs one BFS layer through a bounded worker pool, the
// same channel-of-jobs + WaitGroup shape as ModuleBatchProcessor.
func (b *Builder) processBatch(jobs []fetchJob) []fetchResult {
	numWorkers := b.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	jobsChan := make(chan fetchJob, len(jobs))
	for _, j := range jobs {
		jobsChan <- j
	}
	close(jobsChan)

	resultsChan := make(chan fetchResult, len(jobs))
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobsChan {
				resultsChan <- b.processOne(j)
			}
		}()
	}
	wg.Wait()
	close(resultsChan)

	results := make([]fetchResult, 0, len(jobs))
	for r := range resultsChan {
		results = append(results, r)
	}
	return results
}

func (b *Builder) processOne(job fetchJob) fetchResult {
	fetched, err := b.Fetcher.Fetch(job.spec)
	if err != nil {
		logging.SafeDebug("graph: fetch failed for %s: %v", job.specifierText, err)
		return fetchResult{specifierText: job.specifierText, node: &Node{Specifier: job.specifierText, Error: err}}
	}

	node := &Node{
		Specifier: job.specifierText,
		Kind:      nodeKindOf(job.spec.Scheme, fetched.MediaType),
		MediaType: fetched.MediaType,
		Source:    fetched.Source,
	}

	if !isParseable(fetched.MediaType) {
		return fetchResult{specifierText: job.specifierText, node: node}
	}

	isTSX := fetched.MediaType == fetch.MediaTSX || fetched.MediaType == fetch.MediaJSX
	parsed, err := parse.Parse(job.specifierText, fetched.Source, isTSX)
	if err != nil {
		node.Error = err
		return fetchResult{specifierText: job.specifierText, node: node}
	}
	node.Exports = parsed.Exports

	var edges []Edge
	for _, dep := range parsed.Dependencies {
		resolvedSpec, rerr := b.Resolver.Resolve(dep.Specifier, job.specifierText, dep.Pos, modeOf(dep.Kind), specifier.KindCode)
		edge := Edge{RawSpecifier: dep.Specifier, Kind: dep.Kind, Pos: dep.Pos}
		if rerr != nil {
			edge.Error = suggestTypo(rerr, dep.Specifier, node.Exports)
		} else {
			edge.Resolved = b.pinNpm(resolvedSpec)
		}
		node.Dependencies = append(node.Dependencies, edge)
		edges = append(edges, edge)
	}

	return fetchResult{specifierText: job.specifierText, node: node, discovered: edges}
}

func modeOf(kind parse.DependencyKind) specifier.Mode {
	if kind == parse.DepDynamicImport {
		return specifier.ModeDynamic
	}
	return specifier.ModeStatic
}

func nodeKindOf(scheme specifier.Scheme, mt fetch.MediaType) NodeKind {
	switch scheme {
	case specifier.SchemeNpm:
		return NodeNpm
	case specifier.SchemeNode:
		return NodeNode
	}
	switch mt {
	case fetch.MediaJSON:
		return NodeJSON
	case fetch.MediaWasm:
		return NodeWasm
	default:
		return NodeJS
	}
}

func isParseable(mt fetch.MediaType) bool {
	switch mt {
	case fetch.MediaJSON, fetch.MediaWasm, fetch.MediaUnknown,
		fetch.MediaDts, fetch.MediaDmts, fetch.MediaDcts:
		return false
	default:
		return true
	}
}

// suggestTypo appends a "did you mean" hint to a missing-dependency error
// by comparing the unresolved specifier against the importing module's
// own exported names, using the same edit-distance library the teacher
// uses for autocompletion hints (lsp/ uses agext/levenshtein elsewhere
// for symbol suggestions).
func suggestTypo(err error, raw string, exports []parse.ExportedName) error {
	if len(exports) == 0 || !strings.HasPrefix(raw, ".") {
		return err
	}
	best := ""
	bestDist := -1
	for _, e := range exports {
		d := levenshtein.Distance(raw, e.Name, nil)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = e.Name
		}
	}
	if best == "" || bestDist > 3 {
		return err
	}
	return fmt.Errorf("%w (did you mean %q?)", err, best)
}

// SortedSpecifiers returns every node specifier in deterministic order,
// useful for lockfile serialization and snapshot-stable test output.
func (g *Graph) SortedSpecifiers() []string {
	out := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate implements graph_roots_valid (spec.md §4.5 step 5): it walks
// every root and checks that every edge either resolved to a node present
// in the graph with a supported media type, or carries a resolution
// error — in which case that error, held non-fatal on the edge since
// insert time, becomes fatal now (spec.md §7's "graph validation decides
// fatal-ness" propagation policy). Satisfies invariant P3: Validate
// returns nil iff every transitive dependency of every root is in the
// graph with a supported media type.
func (g *Graph) Validate(allowUnknownMediaTypes bool) error {
	visited := map[string]bool{}
	for _, root := range g.Roots {
		if err := g.ValidateFrom(root, allowUnknownMediaTypes, visited); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFrom runs graph_roots_valid starting at a single specifier
// rather than the whole root set, for the dynamic-import short-circuit
// path (spec.md §4.7, Concrete Scenario 1): prepare_load for a specifier
// already in the graph re-validates just its reachable subtree instead of
// re-running the full build. Pass a fresh map, or nil, to validate a
// standalone subtree; Validate reuses one map across all roots so shared
// dependencies aren't re-walked.
func (g *Graph) ValidateFrom(spec string, allowUnknownMediaTypes bool, visited map[string]bool) error {
	if visited == nil {
		visited = map[string]bool{}
	}
	node, ok := g.Nodes[spec]
	if !ok {
		return errs.Resolution(spec, "", fmt.Errorf("%w: %s", errs.ErrMissingSpecifier, spec))
	}
	return g.validateNode(spec, node, allowUnknownMediaTypes, visited)
}

func (g *Graph) validateNode(spec string, node *Node, allowUnknownMediaTypes bool, visited map[string]bool) error {
	if visited[spec] {
		return nil
	}
	visited[spec] = true

	if node.Error != nil {
		return errs.Resolution(spec, "", fmt.Errorf("%w: %s: %v", errs.ErrMissingDependency, spec, node.Error))
	}
	if node.MediaType == fetch.MediaUnknown && !allowUnknownMediaTypes && node.Kind != NodeNpm && node.Kind != NodeNode {
		return errs.Resolution(spec, "", fmt.Errorf("%w: %s has unsupported media type", errs.ErrMissingDependency, spec))
	}

	for _, edge := range node.Dependencies {
		rng := posRange(edge.Pos)
		if edge.Error != nil {
			return errs.Resolution(edge.RawSpecifier, rng, edge.Error)
		}
		dep, ok := g.Nodes[edge.Resolved]
		if !ok {
			return errs.Resolution(edge.RawSpecifier, rng, fmt.Errorf("%w: %s", errs.ErrMissingDependency, edge.Resolved))
		}
		if err := g.validateNode(edge.Resolved, dep, allowUnknownMediaTypes, visited); err != nil {
			return err
		}
	}
	return nil
}

// posRange formats a source position as "line:col" for the range-
// enhanced error messages graph_roots_valid attaches (spec.md §4.5), or
// "" when no position was recorded.
func posRange(pos specifier.Position) string {
	if pos.Line == 0 && pos.Column == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", pos.Line, pos.Column)
}
