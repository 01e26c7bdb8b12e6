// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"iter"

	"github.com/linescript/linescript/pkg/types"
)

// Converted is a view of another expression whose values are converted on every evaluation.
type Converted struct {
	src  types.Expression
	conv types.Converter
	to   []*types.Type
	typ  *types.Type
}

// NewConverted creates a converting view of src. Expressions returning objects are converted value by
// value at evaluation time; otherwise a conversion from src's return type must exist.
func NewConverted(src types.Expression, conv types.Converter, to ...*types.Type) (*Converted, bool) {
	from := src.ReturnType()
	if from.IsObject() {
		if len(to) == 0 {
			return nil, false
		}
		return &Converted{src: src, conv: conv, to: to, typ: to[0]}, true
	}
	for _, t := range to {
		if conv.Exists(from, t) {
			return &Converted{src: src, conv: conv, to: []*types.Type{t}, typ: t}, true
		}
	}
	return nil, false
}

func (c *Converted) Source() types.Expression { return c.src }

func (c *Converted) convert(v any) (any, bool) {
	for _, t := range c.to {
		if out, ok := c.conv.Convert(v, t); ok {
			return out, true
		}
	}
	return nil, false
}

func (c *Converted) convertAll(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if cv, ok := c.convert(v); ok {
			out = append(out, cv)
		}
	}
	return out
}

func (c *Converted) ReturnType() *types.Type { return c.typ }

func (c *Converted) IsSingle() bool { return c.src.IsSingle() }

func (c *Converted) And() bool { return c.src.And() }

func (c *Converted) Array(ctx types.Context) []any { return c.convertAll(c.src.Array(ctx)) }

func (c *Converted) All(ctx types.Context) []any { return c.convertAll(c.src.All(ctx)) }

func (c *Converted) Single(ctx types.Context) (any, bool) {
	v, ok := c.src.Single(ctx)
	if !ok {
		return nil, false
	}
	return c.convert(v)
}

func (c *Converted) Check(ctx types.Context, pred func(any) bool, negated bool) bool {
	return c.src.Check(ctx, func(v any) bool {
		cv, ok := c.convert(v)
		return ok && pred(cv)
	}, negated)
}

func (c *Converted) Iterate(ctx types.Context) iter.Seq[any] {
	return func(yield func(any) bool) {
		for v := range c.src.Iterate(ctx) {
			cv, ok := c.convert(v)
			if !ok {
				continue
			}
			if !yield(cv) {
				return
			}
		}
	}
}

// ConvertTo converts the source again rather than stacking conversions.
func (c *Converted) ConvertTo(conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	if types.AnySupertypeOf(to, c.typ) {
		return c, true
	}
	return c.src.ConvertTo(conv, to...)
}

// AcceptChange prefers the source expression and falls back to the changer of the target type.
func (c *Converted) AcceptChange(mode types.ChangeMode) []*types.Type {
	if accepted := c.src.AcceptChange(mode); accepted != nil {
		return accepted
	}
	return typeChangerAccepts(c.typ, mode)
}

func (c *Converted) Change(ctx types.Context, delta []any, mode types.ChangeMode) error {
	if c.src.AcceptChange(mode) != nil {
		return c.src.Change(ctx, delta, mode)
	}
	return changeWithType(c.typ, c.All(ctx), delta, mode)
}

func (c *Converted) String() string {
	return c.src.String()
}
