// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"iter"
	"slices"

	"github.com/linescript/linescript/pkg/types"
)

// Literal holds values known at parse time. It ignores the evaluation context.
type Literal struct {
	typ    *types.Type
	values []any
	and    bool
	source string
}

// NewLiteral creates a literal of the given values. A literal with at most one value is always an "and" literal.
func NewLiteral(t *types.Type, and bool, values ...any) *Literal {
	values = withoutNils(values)
	return &Literal{
		typ:    t,
		values: values,
		and:    and || len(values) <= 1,
	}
}

// WithSource records the text the literal was parsed from.
func (l *Literal) WithSource(text string) *Literal {
	l.source = text
	return l
}

func (l *Literal) Source() string { return l.source }

// Values returns every value of the literal.
func (l *Literal) Values() []any { return slices.Clone(l.values) }

func (l *Literal) ReturnType() *types.Type { return l.typ }

func (l *Literal) IsSingle() bool { return !l.and || len(l.values) == 1 }

func (l *Literal) And() bool { return l.and }

func (l *Literal) Array(types.Context) []any {
	if l.and {
		return slices.Clone(l.values)
	}
	v, ok := pick(l.values)
	if !ok {
		return nil
	}
	return []any{v}
}

func (l *Literal) All(types.Context) []any { return slices.Clone(l.values) }

func (l *Literal) Single(types.Context) (any, bool) {
	if l.and && len(l.values) > 1 {
		return l.values[0], true
	}
	return pick(l.values)
}

func (l *Literal) Check(_ types.Context, pred func(any) bool, negated bool) bool {
	return CheckValues(l.values, pred, l.and, negated)
}

func (l *Literal) Iterate(ctx types.Context) iter.Seq[any] {
	return seq(l.Array(ctx))
}

// ConvertTo converts the values eagerly. It fails unless every value converts to the same target type.
func (l *Literal) ConvertTo(conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	if types.AnySupertypeOf(to, l.typ) {
		return l, true
	}
	for _, t := range to {
		converted := make([]any, 0, len(l.values))
		for _, v := range l.values {
			if c, ok := conv.Convert(v, t); ok {
				converted = append(converted, c)
			}
		}
		if len(converted) > 0 && len(converted) == len(l.values) {
			return NewLiteral(t, l.and, converted...).WithSource(l.source), true
		}
	}
	return nil, false
}

// AcceptChange delegates to the changer of the literal's type, which decides whether literal values can change.
func (l *Literal) AcceptChange(mode types.ChangeMode) []*types.Type {
	return typeChangerAccepts(l.typ, mode)
}

func (l *Literal) Change(_ types.Context, delta []any, mode types.ChangeMode) error {
	return changeWithType(l.typ, l.values, delta, mode)
}

func (l *Literal) String() string {
	if l.source != "" {
		return l.source
	}
	return joinValues(l.typ, l.values, l.and)
}
