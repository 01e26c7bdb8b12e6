// SPDX-License-Identifier: AGPL-3.0-only

// Package expr provides the concrete expression shapes produced by the parser.
package expr

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/types"
)

// CheckValues applies pred to each value, negated per value, and combines the results with and/or.
// No values never satisfy a check, whether negated or not.
func CheckValues(values []any, pred func(any) bool, and, negated bool) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		ok := pred(v) != negated
		if and && !ok {
			return false
		}
		if !and && ok {
			return true
		}
	}
	return and
}

// pick returns one of values at random.
func pick(values []any) (any, bool) {
	switch len(values) {
	case 0:
		return nil, false
	case 1:
		return values[0], true
	default:
		return values[rand.IntN(len(values))], true
	}
}

func seq(values []any) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}
}

func withoutNils(values []any) []any {
	for i, v := range values {
		if v == nil {
			out := append(make([]any, 0, len(values)-1), values[:i]...)
			for _, v := range values[i+1:] {
				if v != nil {
					out = append(out, v)
				}
			}
			return out
		}
	}
	return values
}

// ConvertTo returns e itself if it already produces one of the requested types, or a lazily converting
// view of it if a conversion exists.
func ConvertTo(e types.Expression, conv types.Converter, to ...*types.Type) (types.Expression, bool) {
	if types.AnySupertypeOf(to, e.ReturnType()) {
		return e, true
	}
	return NewConverted(e, conv, to...)
}

// typeChangerAccepts asks the changer of t which delta types it accepts for mode.
func typeChangerAccepts(t *types.Type, mode types.ChangeMode) []*types.Type {
	if t == nil || t.Changer == nil {
		return nil
	}
	return t.Changer.AcceptChange(mode)
}

// changeWithType applies mode to values through the changer of t.
func changeWithType(t *types.Type, values, delta []any, mode types.ChangeMode) error {
	if typeChangerAccepts(t, mode) == nil {
		return errors.Wrapf(types.ErrChangeNotSupported, "%s cannot be changed with mode %s", t, mode)
	}
	return t.Changer.Change(values, delta, mode)
}

func format(t *types.Type, v any) string {
	if t != nil {
		if s, ok := t.Format(v); ok {
			return s
		}
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

func joinValues(t *types.Type, values []any, and bool) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = format(t, v)
	}
	return joinList(parts, and)
}

func joinList(parts []string, and bool) string {
	switch len(parts) {
	case 0:
		return "<none>"
	case 1:
		return parts[0]
	}
	conj := " and "
	if !and {
		conj = " or "
	}
	return strings.Join(parts[:len(parts)-1], ", ") + conj + parts[len(parts)-1]
}

// Single returns one value of e as T.
func Single[T any](e types.Expression, ctx types.Context) (T, bool) {
	var zero T
	v, ok := e.Single(ctx)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Array returns the values of e that are of type T.
func Array[T any](e types.Expression, ctx types.Context) []T {
	values := e.Array(ctx)
	out := make([]T, 0, len(values))
	for _, v := range values {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// IsLiteral reports whether e only consists of values known at parse time.
func IsLiteral(e types.Expression) bool {
	switch e := e.(type) {
	case *Literal, *Unparsed:
		return true
	case *List:
		for _, m := range e.members {
			if !IsLiteral(m) {
				return false
			}
		}
		return true
	case *Converted:
		return IsLiteral(e.src)
	default:
		return false
	}
}
