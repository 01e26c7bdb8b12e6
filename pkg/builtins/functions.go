// SPDX-License-Identifier: AGPL-3.0-only

package builtins

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/functions"
	"github.com/linescript/linescript/pkg/types"
)

type native struct {
	signature string
	body      functions.Body
}

var natives = []native{
	{"function abs(n: number) :: number", numberFunc(math.Abs)},
	{"function floor(n: number) :: integer", roundingFunc(math.Floor)},
	{"function ceil(n: number) :: integer", roundingFunc(math.Ceil)},
	{"function round(n: number) :: integer", roundingFunc(math.Round)},
	{"function sqrt(n: number) :: number", numberFunc(math.Sqrt)},
	{"function sum(ns: numbers) :: number", reduceFunc(0, func(acc, f float64) float64 { return acc + f })},
	{"function min(ns: numbers) :: number", reduceFunc(math.Inf(1), math.Min)},
	{"function max(ns: numbers) :: number", reduceFunc(math.Inf(-1), math.Max)},
	{"function length(t: text) :: integer", length},
	{`function join(parts: texts, delimiter: text = ", ") :: text`, join},
	{"function ordinal(n: integer) :: text", ordinal},
	{"function bytes(n: integer) :: text", bytes},
}

// RegisterFunctions registers the builtin native functions. The types they use must be registered first.
func RegisterFunctions(r Registrar) error {
	for _, n := range natives {
		if _, err := r.RegisterNativeFunction(n.signature, n.body); err != nil {
			return errors.Wrapf(err, "failed to register builtin %q", n.signature)
		}
	}
	return nil
}

func first[T any](param []any) (T, bool) {
	var zero T
	if len(param) == 0 {
		return zero, false
	}
	v, ok := param[0].(T)
	return v, ok
}

func numberFunc(fn func(float64) float64) functions.Body {
	return func(_ types.Context, params [][]any) []any {
		f, ok := first[float64](params[0])
		if !ok {
			return nil
		}
		if out := fn(f); !math.IsNaN(out) {
			return []any{out}
		}
		return nil
	}
}

func roundingFunc(fn func(float64) float64) functions.Body {
	return func(_ types.Context, params [][]any) []any {
		f, ok := first[float64](params[0])
		if !ok {
			return nil
		}
		out := fn(f)
		if out < math.MinInt64 || out >= math.MaxInt64 {
			return nil
		}
		return []any{int64(out)}
	}
}

func reduceFunc(initial float64, fn func(acc, f float64) float64) functions.Body {
	return func(_ types.Context, params [][]any) []any {
		if len(params[0]) == 0 {
			return nil
		}
		acc := initial
		for _, v := range params[0] {
			if f, ok := v.(float64); ok {
				acc = fn(acc, f)
			}
		}
		return []any{acc}
	}
}

func length(_ types.Context, params [][]any) []any {
	s, ok := first[string](params[0])
	if !ok {
		return nil
	}
	return []any{int64(utf8.RuneCountInString(s))}
}

func join(_ types.Context, params [][]any) []any {
	delimiter, _ := first[string](params[1])
	parts := make([]string, 0, len(params[0]))
	for _, v := range params[0] {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return []any{strings.Join(parts, delimiter)}
}

func ordinal(_ types.Context, params [][]any) []any {
	n, ok := first[int64](params[0])
	if !ok {
		return nil
	}
	return []any{humanize.Ordinal(int(n))}
}

func bytes(_ types.Context, params [][]any) []any {
	n, ok := first[int64](params[0])
	if !ok || n < 0 {
		return nil
	}
	return []any{humanize.Bytes(uint64(n))}
}
