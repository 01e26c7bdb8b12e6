// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/types"
)

// ComputeFunc produces the values of a Dynamic expression for one evaluation.
type ComputeFunc func(ctx types.Context) []any

// Dynamic recomputes its values every time they are requested.
type Dynamic struct {
	typ     *types.Type
	single  bool
	and     bool
	name    string
	compute ComputeFunc

	acceptChange func(mode types.ChangeMode) []*types.Type
	change       func(ctx types.Context, delta []any, mode types.ChangeMode) error
	setTime      func(time int) bool
}

type DynamicOption func(*Dynamic)

// WithChanger makes the expression handle changes itself instead of delegating to its return type's changer.
func WithChanger(accept func(mode types.ChangeMode) []*types.Type, change func(ctx types.Context, delta []any, mode types.ChangeMode) error) DynamicOption {
	return func(d *Dynamic) {
		d.acceptChange = accept
		d.change = change
	}
}

// WithOr gives the expression "or" semantics: it stands for one of its values.
func WithOr() DynamicOption {
	return func(d *Dynamic) {
		d.and = false
	}
}

// WithTimeStates lets the expression refer to past or future values.
func WithTimeStates(setTime func(time int) bool) DynamicOption {
	return func(d *Dynamic) {
		d.setTime = setTime
	}
}

func NewDynamic(name string, t *types.Type, single bool, compute ComputeFunc, opts ...DynamicOption) *Dynamic {
	d := &Dynamic{
		typ:     t,
		single:  single,
		and:     true,
		name:    name,
		compute: compute,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dynamic) ReturnType() *types.Type { return d.typ }

func (d *Dynamic) IsSingle() bool { return d.single }

func (d *Dynamic) And() bool { return d.and }

func (d *Dynamic) All(ctx types.Context) []any {
	return withoutNils(d.compute(ctx))
}

func (d *Dynamic) Array(ctx types.Context) []any {
	values := d.All(ctx)
	if d.and || len(values) <= 1 {
		return values
	}
	v, _ := pick(values)
	return []any{v}
}

func (d *Dynamic) Single(ctx types.Context) (any, bool) {
	values := d.All(ctx)
	if d.and && len(values) > 1 {
		return values[0], true
	}
	return pick(values)
}

func (d *Dynamic) Check(ctx types.Context, pred func(any) bool, negated bool) bool {
	return CheckValues(d.All(ctx), pred, d.and, negated)
}

func (d *Dynamic) Iterate(ctx types.Context) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, v := range d.Array(ctx) {
			if !yield(v) {
				return
			}
		}
	}
}

func (d *Dynamic) ConvertTo(conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	return ConvertTo(d, conv, to...)
}

func (d *Dynamic) AcceptChange(mode types.ChangeMode) []*types.Type {
	if d.acceptChange != nil {
		return d.acceptChange(mode)
	}
	return typeChangerAccepts(d.typ, mode)
}

func (d *Dynamic) Change(ctx types.Context, delta []any, mode types.ChangeMode) error {
	if d.change != nil {
		if d.acceptChange(mode) == nil {
			return errors.Wrapf(types.ErrChangeNotSupported, "%s cannot be changed with mode %s", d.name, mode)
		}
		return d.change(ctx, delta, mode)
	}
	return changeWithType(d.typ, d.All(ctx), delta, mode)
}

func (d *Dynamic) SetTime(time int) bool {
	if d.setTime == nil {
		return time == 0
	}
	return d.setTime(time)
}

func (d *Dynamic) String() string {
	return d.name
}
