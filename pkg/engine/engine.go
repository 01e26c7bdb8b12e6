// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/linescript/linescript/pkg/converters"
	"github.com/linescript/linescript/pkg/functions"
	"github.com/linescript/linescript/pkg/parser"
	"github.com/linescript/linescript/pkg/types"
)

var (
	ErrNotFrozen     = errors.New("the engine is still being set up")
	ErrUnknownType   = errors.New("unknown type")
	ErrAlreadyFrozen = errors.New("the engine is already set up")
)

type Option func(*options)

type options struct {
	pluralizer types.Pluralizer
	tracker    functions.Tracker
	now        func() time.Time
}

// WithPluralizer sets how plural type names are spelled. Defaults to types.SimplePluralizer.
func WithPluralizer(p types.Pluralizer) Option {
	return func(o *options) {
		o.pluralizer = p
	}
}

// WithTracker replaces the metrics tracker notified around function calls.
func WithTracker(t functions.Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// WithClock sets the clock used to time function calls.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Engine owns the registries a host works with: types, converters, syntaxes and functions.
//
// Types, converters and syntaxes are registered during start-up, which Freeze ends. Lines can only be parsed
// afterwards. Functions can be declared and unloaded at any time.
type Engine struct {
	cfg    Config
	logger log.Logger

	types      *types.Registry
	converters *converters.Graph
	parser     *parser.Parser
	functions  *functions.Registry

	frozen atomic.Bool
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracker == nil {
		o.tracker = functions.NewMetricsTracker(reg)
	}

	e := &Engine{cfg: cfg, logger: logger}
	e.types = types.NewRegistry(o.pluralizer, log.With(logger, "component", "types"))
	e.converters = converters.NewGraph(e.types, cfg.ConverterCacheStripes, log.With(logger, "component", "converters"), reg)

	var err error
	e.parser, err = parser.New(parser.Options{
		MaxExpressionDepth:            cfg.MaxExpressionDepth,
		PlaceholderCacheSize:          cfg.PlaceholderCacheSize,
		DisableMissingAndOrWarnings:   cfg.DisableMissingAndOrWarnings,
		MissingAndOrWarningSampleRate: cfg.MissingAndOrWarningSampleRate,
	}, e.types, e.converters, log.With(logger, "component", "parser"), reg)
	if err != nil {
		return nil, err
	}

	e.functions = functions.NewRegistry(functions.Options{
		ExecuteWithMissingParams: cfg.ExecuteFunctionsWithMissingParams,
		AllowBeforeDefinitions:   cfg.AllowFunctionsBeforeDefinitions,
		Tracker:                  o.tracker,
		Now:                      o.now,
	}, e.types, e.converters, e.parser, log.With(logger, "component", "functions"), reg)
	e.parser.SetFunctionCalls(e.functions)

	return e, nil
}

func (e *Engine) Types() *types.Registry { return e.types }

func (e *Engine) Converters() *converters.Graph { return e.converters }

func (e *Engine) Parser() *parser.Parser { return e.parser }

func (e *Engine) Functions() *functions.Registry { return e.functions }

func (e *Engine) RegisterType(t *types.Type) error {
	return e.types.Register(t)
}

func (e *Engine) RegisterConverter(from, to *types.Type, fn converters.Func, opts ...converters.Option) error {
	return e.converters.Register(from, to, fn, opts...)
}

// RegisterSyntax compiles the patterns of a syntax element owned by owner.
func (e *Engine) RegisterSyntax(owner string, kind parser.Kind, patterns []string, opts ...parser.SyntaxOption) (*parser.Syntax, error) {
	return e.parser.Register(owner, kind, patterns, opts...)
}

// Type returns the type registered under a singular or plural name.
func (e *Engine) Type(name string) (*types.Type, error) {
	t, _ := e.types.LookupByName(name)
	if t == nil {
		return nil, errors.Wrapf(ErrUnknownType, "%q", name)
	}
	return t, nil
}

// Freeze ends start-up. Types are ordered for literal parsing, and no more types, converters or syntaxes
// can be registered.
func (e *Engine) Freeze() error {
	if e.frozen.Load() {
		return ErrAlreadyFrozen
	}
	for _, name := range e.cfg.DisabledTypes {
		if t, _ := e.types.LookupByName(name); t == nil {
			level.Warn(e.logger).Log("msg", "ignoring unknown disabled type", "type", name)
			continue
		}
		if err := e.types.DisableParser(name); err != nil {
			return err
		}
	}
	if err := e.types.Freeze(); err != nil {
		return errors.Wrap(err, "failed to order types")
	}
	e.converters.Freeze()
	e.parser.Freeze()
	e.frozen.Store(true)

	level.Info(e.logger).Log("msg", "engine set up", "types", len(e.types.Types()), "converters", len(e.converters.Edges()), "functions", e.functions.Functions())
	return nil
}

// ParseLine matches a line against the registered syntaxes.
func (e *Engine) ParseLine(line string, opts ...parser.ParseOption) (*parser.ParsedElement, error) {
	if !e.frozen.Load() {
		return nil, ErrNotFrozen
	}
	return e.parser.ParseLine(line, opts...)
}

// ParseExpression parses text as an expression returning one of the named types, or any type if no name is given.
func (e *Engine) ParseExpression(text string, typeNames ...string) (types.Expression, error) {
	if !e.frozen.Load() {
		return nil, ErrNotFrozen
	}
	to := make([]*types.Type, 0, len(typeNames))
	for _, name := range typeNames {
		t, err := e.Type(name)
		if err != nil {
			return nil, err
		}
		to = append(to, t)
	}
	if len(to) == 0 {
		to = append(to, e.types.Object())
	}
	return e.parser.ParseExpression(text, to...)
}

// DeclareFunction declares a script function of a source unit and attaches its body.
func (e *Engine) DeclareFunction(source, signature string, body functions.Body) (*functions.Function, error) {
	fn, err := e.functions.Declare(source, signature)
	if err != nil {
		return nil, err
	}
	fn.SetBody(body)
	return fn, nil
}

// RegisterNativeFunction declares a host function, which survives unloading and ClearFunctions.
func (e *Engine) RegisterNativeFunction(signature string, body functions.Body) (*functions.Function, error) {
	return e.functions.DeclareNative(signature, body)
}

// CallFunction calls a function with one slice of values per argument.
func (e *Engine) CallFunction(ctx types.Context, name string, args [][]any) ([]any, error) {
	return e.functions.Call(ctx, name, args)
}

// UnloadSource removes the functions of a source unit and returns how many were removed.
func (e *Engine) UnloadSource(source string) int {
	return e.functions.UnloadSource(source)
}

// ClearFunctions removes every script function.
func (e *Engine) ClearFunctions() {
	e.functions.ClearAll()
}

// Revalidate checks function calls whose target changed since the last check.
func (e *Engine) Revalidate(ctx context.Context) error {
	return e.functions.Revalidate(ctx)
}

// PostCheck is run after a batch of source units was loaded. It revalidates calls and reports calls to
// functions that were never declared.
func (e *Engine) PostCheck(ctx context.Context) error {
	return e.functions.PostCheck(ctx)
}
