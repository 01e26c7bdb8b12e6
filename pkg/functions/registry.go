// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linescript/linescript/pkg/types"
)

type Options struct {
	// ExecuteWithMissingParams runs functions even if required parameters have no value.
	ExecuteWithMissingParams bool

	// AllowBeforeDefinitions accepts calls to functions that are not declared yet. PostCheck reports the ones
	// that never got declared.
	AllowBeforeDefinitions bool

	Tracker Tracker

	// Now is used to time calls. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	fn   *Function
	refs []*Reference
}

// Registry holds the declared functions by name and the call sites referring to them.
//
// Declarations and unloading are expected to be serialized by the host. Calls may happen concurrently with
// them and observe either the old or the new function.
type Registry struct {
	opts   Options
	types  *types.Registry
	conv   types.Converter
	parser ExpressionParser
	logger log.Logger

	mtx       sync.RWMutex
	functions map[string]*entry
	removed   map[string]*Function
	// waiting holds references to names without a function, by name.
	waiting    map[string][]*Reference
	toValidate []*Reference
	postCheck  []*Reference

	calls       *prometheus.CounterVec
	revalidated *prometheus.CounterVec
}

func NewRegistry(opts Options, reg *types.Registry, conv types.Converter, parser ExpressionParser, logger log.Logger, registerer prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Tracker == nil {
		opts.Tracker = noopTracker{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:      opts,
		types:     reg,
		conv:      conv,
		parser:    parser,
		logger:    logger,
		functions: map[string]*entry{},
		removed:   map[string]*Function{},
		waiting:   map[string][]*Reference{},
		calls: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "linescript_function_calls_total",
			Help: "Total number of function calls.",
		}, []string{"outcome"}),
		revalidated: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "linescript_function_references_revalidated_total",
			Help: "Total number of function call sites checked again after the function they call changed.",
		}, []string{"outcome"}),
	}
}

// Declare parses a declaration and registers the function before it has a body, so that the body may call it.
func (r *Registry) Declare(source, declaration string) (*Function, error) {
	sig, err := r.ParseSignature(source, declaration)
	if err != nil {
		return nil, err
	}
	fn := &Function{
		Name:         sig.Name,
		Source:       source,
		Params:       sig.Params,
		ReturnType:   sig.ReturnType,
		SingleReturn: sig.SingleReturn,
	}
	if err := r.add(fn); err != nil {
		return nil, err
	}
	return fn, nil
}

// DeclareNative registers a host function. Native functions are never unloaded.
func (r *Registry) DeclareNative(declaration string, body Body) (*Function, error) {
	sig, err := r.ParseSignature("", declaration)
	if err != nil {
		return nil, err
	}
	fn := &Function{
		Name:         sig.Name,
		Params:       sig.Params,
		ReturnType:   sig.ReturnType,
		SingleReturn: sig.SingleReturn,
		native:       true,
	}
	fn.SetBody(body)
	if err := r.add(fn); err != nil {
		return nil, err
	}
	return fn, nil
}

// RegisterNative registers a host function built in code.
func (r *Registry) RegisterNative(fn *Function, body Body) error {
	if !namePattern.MatchString(fn.Name) {
		return errors.Wrapf(ErrInvalidDeclaration, "invalid function name %q", fn.Name)
	}
	for i, p := range fn.Params {
		if p.Type == nil {
			return errors.Wrapf(ErrInvalidDeclaration, "function %s: parameter %d has no type", fn.Name, i+1)
		}
	}
	fn.Source = ""
	fn.native = true
	fn.SetBody(body)
	return r.add(fn)
}

func (r *Registry) add(fn *Function) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.functions[fn.Name]; ok {
		where := "natively"
		if existing.fn.Source != "" {
			where = "in " + existing.fn.Source
		}
		return errors.Wrapf(ErrDuplicateFunction, "function %s is already defined %s", fn.Name, where)
	}
	if old, ok := r.removed[fn.Name]; ok {
		old.state.Store(int32(StateRedeclared))
		delete(r.removed, fn.Name)
	}

	e := &entry{fn: fn}
	if refs := r.waiting[fn.Name]; len(refs) > 0 {
		e.refs = refs
		for _, ref := range refs {
			ref.state.Store(int32(RefPending))
		}
		r.toValidate = append(r.toValidate, refs...)
		delete(r.waiting, fn.Name)
	}
	r.functions[fn.Name] = e
	return nil
}

// Lookup returns the function currently declared under name, or nil.
func (r *Registry) Lookup(name string) *Function {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if e, ok := r.functions[name]; ok {
		return e.fn
	}
	return nil
}

// Functions returns the number of declared functions.
func (r *Registry) Functions() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.functions)
}

// Call calls the named function with one slice of values per argument. Values are converted to the types of
// the parameters and the ones that do not convert are dropped. It returns ErrFunctionNotFound for unknown
// names, and no values and no error if the function did not produce a value.
func (r *Registry) Call(ctx types.Context, name string, args [][]any) ([]any, error) {
	fn := r.Lookup(name)
	if fn == nil {
		r.calls.WithLabelValues("not_found").Inc()
		return nil, errors.Wrapf(ErrFunctionNotFound, "%s", name)
	}
	if len(args) > fn.MaxParameters() {
		return nil, fmt.Errorf("%s takes at most %d arguments, but %d were given", fn.Name, fn.MaxParameters(), len(args))
	}
	converted := make([][]any, len(args))
	for i, values := range args {
		converted[i] = r.convertArg(values, fn.Params[i].Type)
	}
	return r.execute(ctx, fn, converted), nil
}

func (r *Registry) convertArg(values []any, to *types.Type) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if c, ok := r.conv.Convert(v, to); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) execute(ctx types.Context, fn *Function, args [][]any) []any {
	params, missing := fn.bindParams(ctx, args, r.opts.ExecuteWithMissingParams)
	if missing {
		r.calls.WithLabelValues("missing_params").Inc()
		return nil
	}
	body := fn.body.Load()
	if body == nil || *body == nil {
		return nil
	}

	r.opts.Tracker.FunctionStarted(fn, params)
	start := r.opts.Now()
	out := (*body)(ctx, params)
	r.opts.Tracker.FunctionFinished(fn, params, start, r.opts.Now())
	r.calls.WithLabelValues("ok").Inc()

	if len(out) == 0 && !fn.IgnoreEmptyReturn {
		return nil
	}
	return out
}

// UnloadSource removes the functions declared by source. References to them from other sources are kept and
// queued for revalidation, so that declaring the functions again reattaches them. It returns the number of
// removed functions.
func (r *Registry) UnloadSource(source string) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	removed := 0
	for name, e := range r.functions {
		if e.fn.native || e.fn.Source != source {
			continue
		}
		delete(r.functions, name)
		e.fn.state.Store(int32(StateRemoved))
		r.removed[name] = e.fn
		removed++

		for _, ref := range e.refs {
			if ref.Source == source {
				continue
			}
			ref.state.Store(int32(RefPending))
			r.waiting[name] = append(r.waiting[name], ref)
			r.toValidate = append(r.toValidate, ref)
		}
	}

	// References made by the unloaded source itself are gone with it.
	for _, e := range r.functions {
		e.refs = withoutSource(e.refs, source)
	}
	for name, refs := range r.waiting {
		if refs = withoutSource(refs, source); len(refs) == 0 {
			delete(r.waiting, name)
		} else {
			r.waiting[name] = refs
		}
	}
	r.toValidate = withoutSource(r.toValidate, source)
	r.postCheck = withoutSource(r.postCheck, source)

	level.Debug(r.logger).Log("msg", "unloaded functions", "source", source, "removed", removed)
	return removed
}

func withoutSource(refs []*Reference, source string) []*Reference {
	out := refs[:0]
	for _, ref := range refs {
		if ref.Source != source {
			out = append(out, ref)
		}
	}
	for i := len(out); i < len(refs); i++ {
		refs[i] = nil
	}
	return out
}

// Revalidate checks the references queued since the last call against the functions now declared. Invalid
// references stop producing values until the function they call changes again.
func (r *Registry) Revalidate(ctx context.Context) error {
	r.mtx.Lock()
	queue := r.toValidate
	r.toValidate = nil
	r.mtx.Unlock()

	errs := multierror.New()
	seen := make(map[*Reference]struct{}, len(queue))
	for _, ref := range queue {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		if err := ctx.Err(); err != nil {
			errs.Add(err)
			break
		}
		if err := ref.revalidate(); err != nil {
			r.revalidated.WithLabelValues("invalid").Inc()
			level.Warn(r.logger).Log("msg", "function call is no longer valid", "source", ref.Source, "function", ref.Name, "err", err)
			errs.Add(err)
			continue
		}
		r.revalidated.WithLabelValues("valid").Inc()
	}
	return errs.Err()
}

// PostCheck revalidates queued references and reports every function that is called but was never declared.
func (r *Registry) PostCheck(ctx context.Context) error {
	errs := multierror.New()
	if err := r.Revalidate(ctx); err != nil {
		errs.Add(err)
	}

	r.mtx.Lock()
	pending := r.postCheck
	r.postCheck = nil
	r.mtx.Unlock()

	reported := map[string]bool{}
	for _, ref := range pending {
		if reported[ref.Name] || r.Lookup(ref.Name) != nil {
			continue
		}
		reported[ref.Name] = true
		ref.state.Store(int32(RefInvalid))
		errs.Add(errors.Wrapf(ErrFunctionNotFound, "the function %q called in %s does not exist", ref.Name, ref.Source))
	}
	return errs.Err()
}

// ClearAll removes every script function and forgets every reference. Native functions are kept.
func (r *Registry) ClearAll() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for name, e := range r.functions {
		if e.fn.native {
			e.refs = nil
			continue
		}
		e.fn.state.Store(int32(StateRemoved))
		delete(r.functions, name)
	}
	r.removed = map[string]*Function{}
	r.waiting = map[string][]*Reference{}
	r.toValidate = nil
	r.postCheck = nil
}
