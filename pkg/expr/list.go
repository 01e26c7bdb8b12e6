// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"iter"
	"math/rand/v2"
	"slices"

	"github.com/grafana/dskit/multierror"

	"github.com/linescript/linescript/pkg/types"
)

// List joins several expressions with "and" or "or".
type List struct {
	typ     *types.Type
	and     bool
	members []types.Expression
}

// NewList creates a list of members whose values are all of type t.
func NewList(t *types.Type, and bool, members ...types.Expression) *List {
	return &List{typ: t, and: and, members: members}
}

func (l *List) Members() []types.Expression { return slices.Clone(l.members) }

func (l *List) ReturnType() *types.Type { return l.typ }

// IsSingle reports true only for "or" lists of single expressions.
func (l *List) IsSingle() bool {
	if l.and {
		return false
	}
	for _, m := range l.members {
		if !m.IsSingle() {
			return false
		}
	}
	return true
}

func (l *List) And() bool { return l.and }

func (l *List) Array(ctx types.Context) []any {
	if l.and {
		var out []any
		for _, m := range l.members {
			out = append(out, m.Array(ctx)...)
		}
		return out
	}
	for _, i := range rand.Perm(len(l.members)) {
		if values := l.members[i].Array(ctx); len(values) > 0 {
			return values
		}
	}
	return nil
}

func (l *List) All(ctx types.Context) []any {
	var out []any
	for _, m := range l.members {
		out = append(out, m.All(ctx)...)
	}
	return out
}

func (l *List) Single(ctx types.Context) (any, bool) {
	if l.and {
		for _, m := range l.members {
			if v, ok := m.Single(ctx); ok {
				return v, true
			}
		}
		return nil, false
	}
	for _, i := range rand.Perm(len(l.members)) {
		if v, ok := l.members[i].Single(ctx); ok {
			return v, true
		}
	}
	return nil, false
}

func (l *List) Check(ctx types.Context, pred func(any) bool, negated bool) bool {
	for _, m := range l.members {
		ok := m.Check(ctx, pred, negated)
		if l.and && !ok {
			return false
		}
		if !l.and && ok {
			return true
		}
	}
	return l.and
}

func (l *List) Iterate(ctx types.Context) iter.Seq[any] {
	if !l.and {
		return seq(l.Array(ctx))
	}
	return func(yield func(any) bool) {
		for _, m := range l.members {
			for v := range m.Iterate(ctx) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// ConvertTo converts every member. It fails if any member cannot be converted.
func (l *List) ConvertTo(conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	if types.AnySupertypeOf(to, l.typ) {
		return l, true
	}
	converted := make([]types.Expression, 0, len(l.members))
	var common *types.Type
	for _, m := range l.members {
		c, ok := m.ConvertTo(conv, to...)
		if !ok {
			return nil, false
		}
		if common == nil {
			common = c.ReturnType()
		} else if common != c.ReturnType() {
			common = commonOf(to, common, c.ReturnType())
		}
		converted = append(converted, c)
	}
	return NewList(common, l.and, converted...), true
}

func commonOf(candidates []*types.Type, a, b *types.Type) *types.Type {
	for _, t := range candidates {
		if t.IsSupertypeOf(a) && t.IsSupertypeOf(b) {
			return t
		}
	}
	return candidates[0]
}

// AcceptChange returns the delta types every member accepts for mode.
func (l *List) AcceptChange(mode types.ChangeMode) []*types.Type {
	var accepted []*types.Type
	for i, m := range l.members {
		got := m.AcceptChange(mode)
		if got == nil {
			return nil
		}
		if i == 0 {
			accepted = slices.Clone(got)
			continue
		}
		accepted = slices.DeleteFunc(accepted, func(t *types.Type) bool {
			return !slices.Contains(got, t)
		})
		if len(accepted) == 0 {
			return nil
		}
	}
	return accepted
}

// Change applies mode to every member.
func (l *List) Change(ctx types.Context, delta []any, mode types.ChangeMode) error {
	errs := multierror.New()
	for _, m := range l.members {
		errs.Add(m.Change(ctx, delta, mode))
	}
	return errs.Err()
}

func (l *List) String() string {
	parts := make([]string, len(l.members))
	for i, m := range l.members {
		parts[i] = m.String()
	}
	return joinList(parts, l.and)
}
