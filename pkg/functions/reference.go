// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/types"
)

// RefState is the state of a call site.
type RefState int32

const (
	RefBound RefState = iota
	RefValid
	RefPending
	RefInvalid
)

func (s RefState) String() string {
	switch s {
	case RefBound:
		return "bound"
	case RefValid:
		return "valid"
	case RefPending:
		return "pending revalidation"
	case RefInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// binding is a reference checked against one particular function.
type binding struct {
	fn   *Function
	args []types.Expression
	// returnType is the type results are converted to, or nil if the call site expects no value.
	returnType *types.Type
}

// Reference is a function call found in a line. It is an expression producing the function's result.
// Each evaluation looks the function up by name again, so it follows redeclarations.
type Reference struct {
	Name   string
	Source string

	registry *Registry
	args     []types.Expression
	expected []*types.Type

	state atomic.Int32
	bound atomic.Pointer[binding]
}

var _ types.Expression = (*Reference)(nil)

// Reference creates a call site for name with the given argument expressions, checked against the function
// declared under that name. expected lists the types the caller accepts as a result; it is empty for calls
// whose result is not used.
func (r *Registry) Reference(source, name string, args []types.Expression, expected []*types.Type) (types.Expression, error) {
	ref, err := r.NewReference(source, name, args, expected)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// NewReference is Reference returning the concrete type.
func (r *Registry) NewReference(source, name string, args []types.Expression, expected []*types.Type) (*Reference, error) {
	ref := &Reference{
		Name:     name,
		Source:   source,
		registry: r,
		args:     args,
		expected: expected,
	}

	fn := r.Lookup(name)
	if fn == nil {
		if !r.opts.AllowBeforeDefinitions {
			return nil, errors.Wrapf(ErrFunctionNotFound, "the function %q does not exist", name)
		}
		ref.state.Store(int32(RefPending))
		r.mtx.Lock()
		r.waiting[name] = append(r.waiting[name], ref)
		r.postCheck = append(r.postCheck, ref)
		r.mtx.Unlock()
		return ref, nil
	}

	// Binding converts arguments, which may parse text again, so it runs without holding the lock.
	b, err := r.bind(fn, ref)
	if err != nil {
		return nil, err
	}
	ref.bound.Store(b)
	ref.state.Store(int32(RefBound))

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if e, ok := r.functions[name]; ok && e.fn == fn {
		e.refs = append(e.refs, ref)
	} else {
		ref.state.Store(int32(RefPending))
		r.waiting[name] = append(r.waiting[name], ref)
		r.toValidate = append(r.toValidate, ref)
	}
	return ref, nil
}

// bind checks the arguments and expected result of ref against fn.
func (r *Registry) bind(fn *Function, ref *Reference) (*binding, error) {
	n := len(ref.args)
	if n > fn.MaxParameters() {
		return nil, fmt.Errorf("%s takes at most %d arguments, but %d were given", fn.Name, fn.MaxParameters(), n)
	}
	if n < fn.MinParameters() && !r.opts.ExecuteWithMissingParams {
		return nil, fmt.Errorf("%s takes at least %d arguments, but %d were given", fn.Name, fn.MinParameters(), n)
	}

	b := &binding{fn: fn, args: make([]types.Expression, n)}
	for i, arg := range ref.args {
		p := fn.Params[i]
		c, ok := arg.ConvertTo(r.conv, p.Type)
		if !ok {
			return nil, fmt.Errorf("the %s argument given to %s is not %s: %s", humanize.Ordinal(i+1), fn.Name, withArticle(p.Type.CodeName), arg)
		}
		if p.Single && !c.IsSingle() {
			return nil, fmt.Errorf("the %s argument given to %s must be a single %s, not more", humanize.Ordinal(i+1), fn.Name, p.Type.CodeName)
		}
		b.args[i] = c
	}

	if len(ref.expected) == 0 {
		b.returnType = fn.ReturnType
		return b, nil
	}
	if fn.ReturnType == nil {
		return nil, fmt.Errorf("%s does not return any value", fn.Name)
	}
	for _, t := range ref.expected {
		if t.IsSupertypeOf(fn.ReturnType) {
			b.returnType = t
			return b, nil
		}
	}
	for _, t := range ref.expected {
		if r.conv.Exists(fn.ReturnType, t) {
			b.returnType = t
			return b, nil
		}
	}
	names := make([]string, 0, len(ref.expected))
	for _, t := range ref.expected {
		names = append(names, t.CodeName)
	}
	return nil, fmt.Errorf("the function %s returns %s, which is not %s", fn.Name, withArticle(fn.ReturnType.CodeName), strings.Join(names, " or "))
}

// revalidate binds the reference to the function currently declared under its name.
func (ref *Reference) revalidate() error {
	fn := ref.registry.Lookup(ref.Name)
	if fn == nil {
		ref.state.Store(int32(RefInvalid))
		return errors.Wrapf(ErrFunctionNotFound, "the function %q called in %s does not exist anymore", ref.Name, ref.Source)
	}
	b, err := ref.registry.bind(fn, ref)
	if err != nil {
		ref.state.Store(int32(RefInvalid))
		return errors.Wrapf(err, "call to %s in %s", ref.Name, ref.Source)
	}
	ref.bound.Store(b)
	ref.state.Store(int32(RefValid))
	return nil
}

func (ref *Reference) State() RefState {
	return RefState(ref.state.Load())
}

// current returns the binding to use for a call, binding to a redeclared function on the fly.
func (ref *Reference) current() *binding {
	fn := ref.registry.Lookup(ref.Name)
	if fn == nil {
		return nil
	}
	b := ref.bound.Load()
	if b != nil && b.fn == fn {
		if ref.State() == RefInvalid {
			return nil
		}
		return b
	}
	if err := ref.revalidate(); err != nil {
		level.Warn(ref.registry.logger).Log("msg", "function call is not valid", "source", ref.Source, "function", ref.Name, "err", err)
		return nil
	}
	return ref.bound.Load()
}

func (ref *Reference) call(ctx types.Context) []any {
	b := ref.current()
	if b == nil {
		return nil
	}
	args := make([][]any, len(b.args))
	for i, a := range b.args {
		args[i] = a.Array(ctx)
	}
	out := ref.registry.execute(ctx, b.fn, args)
	if b.returnType == nil || b.returnType.IsSupertypeOf(b.fn.ReturnType) {
		return out
	}
	converted := out[:0:0]
	for _, v := range out {
		if c, ok := ref.registry.conv.Convert(v, b.returnType); ok {
			converted = append(converted, c)
		}
	}
	return converted
}

func (ref *Reference) ReturnType() *types.Type {
	if b := ref.bound.Load(); b != nil && b.returnType != nil {
		return b.returnType
	}
	if len(ref.expected) > 0 {
		return ref.expected[0]
	}
	return ref.registry.types.Object()
}

func (ref *Reference) IsSingle() bool {
	if b := ref.bound.Load(); b != nil {
		return b.fn.SingleReturn
	}
	return true
}

func (ref *Reference) And() bool { return true }

func (ref *Reference) Array(ctx types.Context) []any { return ref.call(ctx) }

func (ref *Reference) All(ctx types.Context) []any { return ref.call(ctx) }

func (ref *Reference) Single(ctx types.Context) (any, bool) {
	out := ref.call(ctx)
	if len(out) == 0 {
		return nil, false
	}
	return out[0], true
}

func (ref *Reference) Check(ctx types.Context, pred func(any) bool, negated bool) bool {
	return expr.CheckValues(ref.call(ctx), pred, true, negated)
}

func (ref *Reference) Iterate(ctx types.Context) iter.Seq[any] {
	return slices.Values(ref.call(ctx))
}

func (ref *Reference) ConvertTo(conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	return expr.ConvertTo(ref, conv, to...)
}

func (ref *Reference) AcceptChange(types.ChangeMode) []*types.Type { return nil }

func (ref *Reference) Change(types.Context, []any, types.ChangeMode) error {
	return errors.Wrapf(types.ErrChangeNotSupported, "the result of %s cannot be changed", ref)
}

func (ref *Reference) String() string {
	args := make([]string, 0, len(ref.args))
	for _, a := range ref.args {
		args = append(args, a.String())
	}
	return ref.Name + "(" + strings.Join(args, ", ") + ")"
}
