// SPDX-License-Identifier: AGPL-3.0-only

package parser

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/linescript/linescript/pkg/converters"
	"github.com/linescript/linescript/pkg/pattern"
	"github.com/linescript/linescript/pkg/types"
	utillog "github.com/linescript/linescript/pkg/util/log"
)

// FunctionCalls creates references to functions for call expressions found in lines.
type FunctionCalls interface {
	Reference(source, name string, args []types.Expression, expected []*types.Type) (types.Expression, error)
}

type Options struct {
	MaxExpressionDepth            int
	PlaceholderCacheSize          int
	DisableMissingAndOrWarnings   bool
	MissingAndOrWarningSampleRate int64
}

// Parser matches lines against registered syntaxes and parses the text of placeholders into expressions.
//
// Register is not thread-safe and must be called during start-up. Parsing is serialized by the host
// one source unit at a time.
type Parser struct {
	opts   Options
	types  *types.Registry
	conv   *converters.Graph
	funcs  FunctionCalls
	logger log.Logger

	missingAndOr *utillog.Sampler

	syntaxes map[Kind][]*Syntax
	specs    *lru.Cache[string, *placeholderSpec]
	frozen   atomic.Bool

	linesParsed *prometheus.CounterVec
}

func New(opts Options, reg *types.Registry, conv *converters.Graph, logger log.Logger, registerer prometheus.Registerer) (*Parser, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.PlaceholderCacheSize <= 0 {
		opts.PlaceholderCacheSize = 512
	}
	if opts.MaxExpressionDepth <= 0 {
		opts.MaxExpressionDepth = 32
	}
	specs, err := lru.New[string, *placeholderSpec](opts.PlaceholderCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create placeholder cache")
	}

	return &Parser{
		opts:         opts,
		types:        reg,
		conv:         conv,
		logger:       logger,
		missingAndOr: utillog.NewSampler(opts.MissingAndOrWarningSampleRate),
		syntaxes:     map[Kind][]*Syntax{},
		specs:        specs,
		linesParsed: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "linescript_parse_lines_total",
			Help: "Total number of lines parsed.",
		}, []string{"outcome"}),
	}, nil
}

// SetFunctionCalls enables function call expressions.
func (p *Parser) SetFunctionCalls(funcs FunctionCalls) {
	p.funcs = funcs
}

// Register compiles the pattern sources of a syntax element and adds it to the syntaxes of its kind.
func (p *Parser) Register(owner string, kind Kind, sources []string, opts ...SyntaxOption) (*Syntax, error) {
	if p.frozen.Load() {
		return nil, errors.Wrapf(types.ErrRegistrationClosed, "cannot register syntax %s", owner)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("syntax %s has no patterns", owner)
	}

	s := &Syntax{Owner: owner, Kind: kind}
	for _, o := range opts {
		o(s)
	}
	if kind == KindExpression && (s.Build == nil || s.ReturnType == nil) {
		return nil, fmt.Errorf("expression syntax %s needs a return type and a build function", owner)
	}

	for _, src := range sources {
		pat, err := pattern.Compile(src)
		if err != nil {
			return nil, errors.Wrapf(err, "syntax %s", owner)
		}
		s.Patterns = append(s.Patterns, pat)
	}

	list := p.syntaxes[kind]
	pos := sort.Search(len(list), func(i int) bool { return list[i].Priority > s.Priority })
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = s
	p.syntaxes[kind] = list

	return s, nil
}

// Syntaxes returns the syntaxes of a kind in the order they are tried.
func (p *Parser) Syntaxes(kind Kind) []*Syntax {
	return p.syntaxes[kind]
}

// Freeze ends the registration phase.
func (p *Parser) Freeze() {
	p.frozen.Store(true)
	level.Info(p.logger).Log(
		"msg", "syntax registration complete",
		"effects", len(p.syntaxes[KindEffect]),
		"conditions", len(p.syntaxes[KindCondition]),
		"expressions", len(p.syntaxes[KindExpression]),
	)
}

type parseOptions struct {
	source string
	kinds  []Kind
}

type ParseOption func(*parseOptions)

// FromSource names the source unit the parsed line belongs to.
func FromSource(source string) ParseOption {
	return func(o *parseOptions) {
		o.source = source
	}
}

// WithKinds restricts the kinds of syntaxes a line is matched against.
func WithKinds(k ...Kind) ParseOption {
	return func(o *parseOptions) {
		o.kinds = k
	}
}

// state carries per-line parse state.
type state struct {
	source   string
	reason   string
	warnings map[types.Expression]error

	// active holds the syntaxes being matched further up the stack, so a left-recursive syntax does not
	// re-enter itself on the same text. failed holds matches known to fail anywhere in the line.
	active map[attempt]bool
	failed map[attempt]bool

	// cutShort is set when a match hit the expression depth limit or an active syntax. Such failures
	// are not remembered, as the same text may match elsewhere in the line.
	cutShort bool
}

type attempt struct {
	syntax *Syntax
	text   string
}

func (s *state) warn(e types.Expression, err error) {
	if s.warnings == nil {
		s.warnings = map[types.Expression]error{}
	}
	s.warnings[e] = err
}

// fail records why a candidate interpretation was rejected. The first reason is kept, as it comes from the
// earliest registered candidate.
func (s *state) fail(format string, args ...any) {
	if s.reason == "" {
		s.reason = fmt.Sprintf(format, args...)
	}
}

// ParseLine matches line against effects, then conditions, then expressions, each in registration order,
// and returns the first match.
func (p *Parser) ParseLine(line string, opts ...ParseOption) (*ParsedElement, error) {
	o := parseOptions{kinds: kinds}
	for _, opt := range opts {
		opt(&o)
	}

	text := pattern.Normalize(line)
	st := &state{source: o.source}
	if text != "" {
		for _, k := range o.kinds {
			for _, s := range p.syntaxes[k] {
				if el, ok := p.matchSyntax(st, text, s, 0); ok {
					p.flushWarnings(st, el.Expressions...)
					p.linesParsed.WithLabelValues("matched").Inc()
					return el, nil
				}
			}
		}
	}

	p.linesParsed.WithLabelValues("not_understood").Inc()
	err := &Error{Line: text, Reason: st.reason}
	level.Debug(p.logger).Log("msg", "line not understood", "source", o.source, "err", err)
	return nil, err
}

type memoKey struct {
	placeholder int
	text        string
}

// matchSyntax matches text against s unless that is known to fail or is already under way.
func (p *Parser) matchSyntax(st *state, text string, s *Syntax, depth int) (*ParsedElement, bool) {
	key := attempt{syntax: s, text: text}
	if st.failed[key] {
		return nil, false
	}
	if st.active[key] {
		st.cutShort = true
		return nil, false
	}
	if st.active == nil {
		st.active = map[attempt]bool{}
		st.failed = map[attempt]bool{}
	}

	st.active[key] = true
	cutShort := st.cutShort
	st.cutShort = false

	el, ok := p.matchPatterns(st, text, s, depth)

	delete(st.active, key)
	if !ok && !st.cutShort {
		st.failed[key] = true
	}
	st.cutShort = st.cutShort || cutShort
	return el, ok
}

// matchPatterns tries each pattern of s in order.
func (p *Parser) matchPatterns(st *state, text string, s *Syntax, depth int) (*ParsedElement, bool) {
	for i, pat := range s.Patterns {
		exprs := make([]types.Expression, len(pat.Placeholders))
		memo := map[memoKey]types.Expression{}

		res, ok := pat.MatchFunc(text, func(ph *pattern.Placeholder, t string) bool {
			key := memoKey{ph.Index, t}
			e, seen := memo[key]
			if !seen {
				e = p.parsePlaceholder(st, t, p.spec(ph), depth)
				memo[key] = e
			}
			if e == nil {
				return false
			}
			exprs[ph.Index] = e
			return true
		})
		if !ok {
			continue
		}

		el := &ParsedElement{
			Syntax:       s,
			PatternIndex: i,
			Pattern:      pat,
			Text:         text,
			Mark:         res.Mark,
			Choices:      res.Choices,
			Regexes:      res.Regexes,
			Expressions:  exprs,
			Defaulted:    make([]bool, len(exprs)),
			Source:       st.source,
		}
		if !p.fillDefaults(st, el, res) {
			continue
		}
		if s.Init != nil && !s.Init(el) {
			st.fail("%s rejected %q", s.Owner, text)
			continue
		}
		return el, true
	}
	return nil, false
}

// fillDefaults clears the expressions of placeholders that were not matched and fills the non-optional
// ones with their type's default expression.
func (p *Parser) fillDefaults(st *state, el *ParsedElement, res *pattern.MatchResult) bool {
	for i, c := range res.Captures {
		if c.Matched {
			continue
		}
		el.Expressions[i] = nil
		ph := el.Pattern.Placeholders[i]
		spec := p.spec(ph)
		if spec.optional {
			continue
		}
		d := spec.defaultExpression()
		if d == nil {
			st.fail("pattern %q of %s: %%%s%% has no default value and must not be left out", el.Pattern.Source, el.Syntax.Owner, ph.Spec)
			level.Error(p.logger).Log("msg", "placeholder without a default value can be left out", "owner", el.Syntax.Owner, "pattern", el.Pattern.Source, "placeholder", ph.Spec)
			return false
		}
		el.Expressions[i] = d
		el.Defaulted[i] = true
	}
	return true
}
