// SPDX-License-Identifier: AGPL-3.0-only

package converters

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/fasthash/fnv1a"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/linescript/linescript/pkg/types"
)

var ErrDuplicateConverter = errors.New("converter already registered")

// Option restricts how a converter takes part in composite conversions.
type Option uint8

const (
	// NoLeftChaining forbids other converters before this one in a chain.
	NoLeftChaining Option = 1 << iota
	// NoRightChaining forbids other converters after this one in a chain.
	NoRightChaining
	// NoCommandArguments excludes the converter when parsing command arguments.
	NoCommandArguments

	NoChaining = NoLeftChaining | NoRightChaining
)

// Func converts one value. It returns false if the value cannot be converted.
type Func func(any) (any, bool)

// Edge is a registered conversion between two types.
type Edge struct {
	From, To *types.Type
	Fn       Func
	Options  Option
}

func (e *Edge) chainsTo(next *Edge) bool {
	return e.Options&NoRightChaining == 0 && next.Options&NoLeftChaining == 0 && next.From.IsSupertypeOf(e.To)
}

type pair struct {
	from, to *types.Type
}

// path is a resolved conversion. A nil fn records that no path exists.
type path struct {
	edges []*Edge
	fn    Func
}

type stripe struct {
	mtx   sync.RWMutex
	paths map[pair]*path
}

// Graph holds registered converters and composes them into paths on demand.
//
// Register is not thread-safe and must be called during start-up. Resolution is safe for concurrent use:
// resolved paths are cached in lock-striped maps and never replaced once stored.
type Graph struct {
	reg    *types.Registry
	logger log.Logger

	edges  []*Edge
	direct map[pair]*Edge
	frozen atomic.Bool

	stripes []*stripe
	group   singleflight.Group

	cacheLookups  *prometheus.CounterVec
	pathsResolved *prometheus.CounterVec
}

func NewGraph(reg *types.Registry, stripes int, logger log.Logger, registerer prometheus.Registerer) *Graph {
	if stripes <= 0 {
		stripes = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	g := &Graph{
		reg:     reg,
		logger:  logger,
		direct:  map[pair]*Edge{},
		stripes: make([]*stripe, stripes),
		cacheLookups: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "linescript_converter_cache_lookups_total",
			Help: "Total number of converter path cache lookups.",
		}, []string{"result"}),
		pathsResolved: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "linescript_converter_paths_resolved_total",
			Help: "Total number of converter paths resolved by searching the converter graph.",
		}, []string{"outcome"}),
	}
	for i := range g.stripes {
		g.stripes[i] = &stripe{paths: map[pair]*path{}}
	}
	return g
}

// Register adds a direct conversion from one type to another.
func (g *Graph) Register(from, to *types.Type, fn Func, opts ...Option) error {
	if g.frozen.Load() {
		return errors.Wrapf(types.ErrRegistrationClosed, "cannot register converter %s -> %s", from, to)
	}
	key := pair{from, to}
	if _, exists := g.direct[key]; exists {
		return errors.Wrapf(ErrDuplicateConverter, "%s -> %s", from, to)
	}

	e := &Edge{From: from, To: to, Fn: fn}
	for _, o := range opts {
		e.Options |= o
	}
	g.edges = append(g.edges, e)
	g.direct[key] = e
	return nil
}

// RegisterFunc registers a typed conversion function.
func RegisterFunc[F, T any](g *Graph, from, to *types.Type, fn func(F) (T, bool), opts ...Option) error {
	return g.Register(from, to, func(v any) (any, bool) {
		f, ok := v.(F)
		if !ok {
			return nil, false
		}
		return fn(f)
	}, opts...)
}

// Freeze ends the registration phase.
func (g *Graph) Freeze() {
	g.frozen.Store(true)
	level.Debug(g.logger).Log("msg", "converter graph frozen", "converters", len(g.edges))
}

// Edges returns the registered converters in registration order.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

func (g *Graph) stripeFor(key pair) *stripe {
	h := fnv1a.HashString64(key.from.CodeName)
	h = fnv1a.AddString64(h, "\x00")
	h = fnv1a.AddString64(h, key.to.CodeName)
	return g.stripes[h%uint64(len(g.stripes))]
}

// resolve returns the cached path from one type to another, searching the graph on first use.
func (g *Graph) resolve(from, to *types.Type) *path {
	key := pair{from, to}
	s := g.stripeFor(key)

	s.mtx.RLock()
	p, ok := s.paths[key]
	s.mtx.RUnlock()
	if ok {
		g.cacheLookups.WithLabelValues("hit").Inc()
		return p
	}
	g.cacheLookups.WithLabelValues("miss").Inc()

	v, _, _ := g.group.Do(from.CodeName+"\x00"+to.CodeName, func() (any, error) {
		found := g.search(from, to)

		s.mtx.Lock()
		defer s.mtx.Unlock()
		if existing, ok := s.paths[key]; ok {
			return existing, nil
		}
		s.paths[key] = found
		return found, nil
	})
	return v.(*path)
}

// search performs a breadth-first search for the shortest chain of converters from one type to another.
// Edges are expanded in registration order, so ambiguous paths always resolve the same way.
func (g *Graph) search(from, to *types.Type) *path {
	type node struct {
		edge *Edge
		prev *node
	}

	visited := map[*Edge]bool{}
	var queue []*node
	for _, e := range g.edges {
		if e.From.IsSupertypeOf(from) {
			visited[e] = true
			queue = append(queue, &node{edge: e})
		}
	}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if to.IsSupertypeOf(n.edge.To) {
			var chain []*Edge
			for c := n; c != nil; c = c.prev {
				chain = append([]*Edge{c.edge}, chain...)
			}
			g.pathsResolved.WithLabelValues("found").Inc()
			return &path{edges: chain, fn: compose(chain)}
		}

		for _, next := range g.edges {
			if visited[next] || !n.edge.chainsTo(next) {
				continue
			}
			visited[next] = true
			queue = append(queue, &node{edge: next, prev: n})
		}
	}

	g.pathsResolved.WithLabelValues("none").Inc()
	return &path{}
}

func compose(chain []*Edge) Func {
	if len(chain) == 1 {
		return chain[0].Fn
	}
	return func(v any) (any, bool) {
		for _, e := range chain {
			var ok bool
			if v, ok = e.Fn(v); !ok || v == nil {
				return nil, false
			}
		}
		return v, true
	}
}

// Path describes the converters used between two types, for diagnostics.
func (g *Graph) Path(from, to *types.Type) (string, bool) {
	p := g.resolve(from, to)
	if p.fn == nil {
		return "", false
	}
	names := []string{from.CodeName}
	for _, e := range p.edges {
		names = append(names, e.To.CodeName)
	}
	return strings.Join(names, " -> "), true
}

// Exists reports whether values of from can be converted to to.
func (g *Graph) Exists(from, to *types.Type) bool {
	if to.IsSupertypeOf(from) {
		return true
	}
	return g.resolve(from, to).fn != nil
}

// Convert converts v to a value of to.
func (g *Graph) Convert(v any, to *types.Type) (any, bool) {
	if v == nil {
		return nil, false
	}
	if to.Accepts(v) {
		return v, true
	}
	from := g.reg.LookupByValue(v)
	if from == nil {
		return nil, false
	}
	p := g.resolve(from, to)
	if p.fn == nil {
		return nil, false
	}
	out, ok := p.fn(v)
	if !ok || out == nil {
		return nil, false
	}
	return out, true
}

// ConvertToAny converts v to the first of the given types it can be converted to. Types v already
// belongs to are preferred over conversions.
func (g *Graph) ConvertToAny(v any, to ...*types.Type) (any, *types.Type, bool) {
	for _, t := range to {
		if t.Accepts(v) {
			return v, t, true
		}
	}
	for _, t := range to {
		if out, ok := g.Convert(v, t); ok {
			return out, t, true
		}
	}
	return nil, nil, false
}

// ConvertArray converts every value to to. Values that cannot be converted are dropped.
func (g *Graph) ConvertArray(vs []any, to *types.Type) []any {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		if c, ok := g.Convert(v, to); ok {
			out = append(out, c)
		}
	}
	return out
}

// ConvertStrict converts every value to to, failing if any of them cannot be converted.
func (g *Graph) ConvertStrict(vs []any, to *types.Type) ([]any, error) {
	out := make([]any, 0, len(vs))
	for i, v := range vs {
		c, ok := g.Convert(v, to)
		if !ok {
			return nil, fmt.Errorf("value %d (%v) cannot be converted to %s", i, v, to)
		}
		out = append(out, c)
	}
	return out, nil
}

// Parse parses text as a value of to. If no subtype of to can parse it, the text is parsed as the source
// type of a converter producing to and converted.
func (g *Graph) Parse(text string, to *types.Type, ctx types.ParseContext) (any, bool) {
	if v, ok := g.reg.Parse(text, to, ctx); ok {
		return v, true
	}
	for _, e := range g.edges {
		if !to.IsSupertypeOf(e.To) || e.From.IsObject() {
			continue
		}
		if ctx == types.ParseCommand && e.Options&NoCommandArguments != 0 {
			continue
		}
		v, ok := g.reg.Parse(text, e.From, ctx)
		if !ok {
			continue
		}
		if out, ok := e.Fn(v); ok && out != nil {
			return out, true
		}
	}
	return nil, false
}
