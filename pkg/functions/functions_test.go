// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/linescript/linescript/pkg/converters"
	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// counter is the evaluation context in these tests. Reading it through "the counter" increments it.
type counter struct {
	reads int64
}

// fakeParser parses numbers and "the counter".
type fakeParser struct {
	number *types.Type
}

func (p *fakeParser) ParseExpressionFrom(_, text string, to ...*types.Type) (types.Expression, error) {
	if text == "the counter" {
		return expr.NewDynamic("the counter", p.number, true, func(ctx types.Context) []any {
			c := ctx.(*counter)
			c.reads++
			return []any{c.reads}
		}), nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("can't understand %q", text)
	}
	return expr.NewLiteral(p.number, true, n), nil
}

type fixture struct {
	types        *types.Registry
	graph        *converters.Graph
	registry     *Registry
	registerer   *prometheus.Registry
	number, text *types.Type
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{types: types.NewRegistry(nil, nil), registerer: prometheus.NewPedanticRegistry()}
	f.number = &types.Type{CodeName: "number", Runtime: reflect.TypeOf(int64(0))}
	f.text = &types.Type{CodeName: "text", Plural: "texts", Runtime: reflect.TypeOf("")}
	require.NoError(t, f.types.Register(f.number))
	require.NoError(t, f.types.Register(f.text))
	require.NoError(t, f.types.Freeze())

	f.graph = converters.NewGraph(f.types, 1, nil, nil)
	require.NoError(t, converters.RegisterFunc(f.graph, f.number, f.text, func(n int64) (string, bool) {
		return strconv.FormatInt(n, 10), true
	}))
	require.NoError(t, converters.RegisterFunc(f.graph, f.text, f.number, func(s string) (int64, bool) {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}))

	f.registry = NewRegistry(opts, f.types, f.graph, &fakeParser{number: f.number}, nil, f.registerer)
	return f
}

func (f *fixture) declare(t *testing.T, source, declaration string, body Body) *Function {
	fn, err := f.registry.Declare(source, declaration)
	require.NoError(t, err)
	fn.SetBody(body)
	return fn
}

func double(_ types.Context, params [][]any) []any {
	if len(params[0]) == 0 {
		return []any{"absent"}
	}
	return []any{params[0][0].(int64) * 2}
}

func literal(t *types.Type, values ...any) types.Expression {
	return expr.NewLiteral(t, true, values...)
}

func TestParseSignature(t *testing.T) {
	f := newFixture(t, Options{})

	sig, err := f.registry.ParseSignature("main", "function greet(Who: text, times: numbers = 3, extra: number?, rest: text = value of none) :: texts")
	require.NoError(t, err)
	require.Equal(t, "greet", sig.Name)
	require.Equal(t, f.text, sig.ReturnType)
	require.False(t, sig.SingleReturn)
	require.Len(t, sig.Params, 4)

	who, times, extra, rest := sig.Params[0], sig.Params[1], sig.Params[2], sig.Params[3]
	require.Equal(t, "who", who.Name, "parameter names are case-folded")
	require.True(t, who.Single)
	require.Nil(t, who.Default)

	require.False(t, times.Single)
	require.Equal(t, []any{int64(3)}, times.Default.All(nil))

	require.True(t, extra.AcceptsNone)
	require.Nil(t, extra.Default)

	require.True(t, rest.AcceptsNone)
	require.Nil(t, rest.Default, "value of none declares no default")

	sig, err = f.registry.ParseSignature("main", "FUNCTION   noop()")
	require.NoError(t, err)
	require.Empty(t, sig.Params)
	require.Nil(t, sig.ReturnType)
}

func TestParseSignature_TextDefaults(t *testing.T) {
	f := newFixture(t, Options{})

	sig, err := f.registry.ParseSignature("main", `function f(a: text = hello world, b: text = "quoted, with comma", c: number = "12")`)
	require.NoError(t, err)
	require.Equal(t, []any{"hello world"}, sig.Params[0].Default.All(nil))
	require.Equal(t, []any{"quoted, with comma"}, sig.Params[1].Default.All(nil))
	require.Equal(t, []any{int64(12)}, sig.Params[2].Default.All(nil), "quoted defaults are text converted to the parameter type")
}

func TestParseSignature_Errors(t *testing.T) {
	testCases := map[string]struct {
		declaration string
		expectedErr error
		expectedMsg string
	}{
		"not a declaration": {
			declaration: "func f()", expectedErr: ErrInvalidDeclaration,
		},
		"invalid name": {
			declaration: "function 1f()", expectedErr: ErrInvalidDeclaration,
		},
		"parameter without type": {
			declaration: "function f(a: number, b)", expectedErr: ErrInvalidDeclaration, expectedMsg: "the 2nd parameter's definition is invalid",
		},
		"unknown parameter type": {
			declaration: "function f(a: widget)", expectedErr: ErrInvalidDeclaration, expectedMsg: `cannot recognise the type "widget" of the 1st parameter`,
		},
		"unknown return type": {
			declaration: "function f() :: widget", expectedErr: ErrInvalidDeclaration, expectedMsg: "return type",
		},
		"duplicate parameter": {
			declaration: "function f(a: number, A: text)", expectedErr: ErrDuplicateParameter, expectedMsg: `"A" occurs at least twice`,
		},
		"invalid default": {
			declaration: "function f(a: number, b: number = abc)", expectedErr: ErrInvalidDefault, expectedMsg: "'abc' is not a number",
		},
		"invalid quoted default": {
			declaration: `function f(a: number = "abc")`, expectedErr: ErrInvalidDefault, expectedMsg: `"abc" is not a number`,
		},
		"unbalanced parameters": {
			declaration: `function f(a: text = "x)`, expectedErr: ErrInvalidDeclaration,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			_, err := f.registry.ParseSignature("main", testCase.declaration)
			require.ErrorIs(t, err, testCase.expectedErr)
			if testCase.expectedMsg != "" {
				require.ErrorContains(t, err, testCase.expectedMsg)
			}
		})
	}
}

func TestFunction_MinMaxParameters(t *testing.T) {
	f := newFixture(t, Options{})

	testCases := map[string]struct {
		declaration string
		min, max    int
	}{
		"no parameters":            {declaration: "function a()", min: 0, max: 0},
		"all required":             {declaration: "function b(x: number, y: number)", min: 2, max: 2},
		"trailing default":         {declaration: "function c(x: number, y: number = 1)", min: 1, max: 2},
		"default before required":  {declaration: "function d(x: number = 1, y: number)", min: 2, max: 2},
		"accepting none":           {declaration: "function e(x: number, y: number?)", min: 1, max: 2},
		"everything can be absent": {declaration: "function g(x: number?, y: number = 2)", min: 0, max: 2},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			fn, err := f.registry.Declare("main", testCase.declaration)
			require.NoError(t, err)
			require.Equal(t, testCase.min, fn.MinParameters())
			require.Equal(t, testCase.max, fn.MaxParameters())
		})
	}
}

func TestRegistry_CallDouble(t *testing.T) {
	testCases := map[string]struct {
		opts     Options
		args     [][]any
		expected []any
	}{
		"value given": {
			args: [][]any{{int64(5)}}, expected: []any{int64(10)},
		},
		"required parameter missing": {
			args: [][]any{{}}, expected: nil,
		},
		"no arguments at all": {
			args: nil, expected: nil,
		},
		"required parameter missing, executing anyway": {
			opts: Options{ExecuteWithMissingParams: true},
			args: [][]any{{}}, expected: []any{"absent"},
		},
		"plural argument for a single parameter": {
			args: [][]any{{int64(2), int64(3)}}, expected: []any{int64(4)},
		},
		"values are converted to the parameter type": {
			args: [][]any{{"21"}}, expected: []any{int64(42)},
		},
		"values that do not convert are dropped": {
			args: [][]any{{"x", int64(3)}}, expected: []any{int64(6)},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testCase.opts)
			f.declare(t, "main", "function double(x: number) :: number", double)

			out, err := f.registry.Call(nil, "double", testCase.args)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, out)
		})
	}
}

func TestRegistry_CallUnknownFunction(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "main", "function nothing()", func(types.Context, [][]any) []any { return nil })

	out, err := f.registry.Call(nil, "missing", nil)
	require.ErrorIs(t, err, ErrFunctionNotFound)
	require.Nil(t, out)

	out, err = f.registry.Call(nil, "nothing", nil)
	require.NoError(t, err, "no value is not an error")
	require.Nil(t, out)

	_, err = f.registry.Call(nil, "nothing", [][]any{{1}})
	require.ErrorContains(t, err, "takes at most 0 arguments")
}

func TestRegistry_DefaultsAreEvaluatedOnEveryCall(t *testing.T) {
	f := newFixture(t, Options{})
	var seen []int64
	f.declare(t, "main", "function peek(x: number = the counter) :: number", func(_ types.Context, params [][]any) []any {
		seen = append(seen, params[0][0].(int64))
		return params[0]
	})

	ctx := &counter{}
	for i := 0; i < 3; i++ {
		_, err := f.registry.Call(ctx, "peek", nil)
		require.NoError(t, err)
	}
	out, err := f.registry.Call(ctx, "peek", [][]any{{int64(100)}})
	require.NoError(t, err)

	require.Equal(t, []int64{1, 2, 3, 100}, seen)
	require.Equal(t, []any{int64(100)}, out)
	require.Equal(t, int64(3), ctx.reads)
}

func TestRegistry_EmptyReturn(t *testing.T) {
	f := newFixture(t, Options{})
	empty := func(types.Context, [][]any) []any { return []any{} }

	f.declare(t, "main", "function none() :: numbers", empty)
	out, err := f.registry.Call(nil, "none", nil)
	require.NoError(t, err)
	require.Nil(t, out)

	fn := f.declare(t, "main", "function empty() :: numbers", empty)
	fn.IgnoreEmptyReturn = true
	out, err = f.registry.Call(nil, "empty", nil)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestRegistry_RecursiveDeclaration(t *testing.T) {
	f := newFixture(t, Options{})

	fn, err := f.registry.Declare("main", "function fact(n: number) :: number")
	require.NoError(t, err)
	require.Equal(t, StateDeclared, fn.State())
	require.Same(t, fn, f.registry.Lookup("fact"), "a declaration is visible before its body is attached")

	fn.SetBody(func(ctx types.Context, params [][]any) []any {
		n := params[0][0].(int64)
		if n <= 1 {
			return []any{int64(1)}
		}
		rest, err := f.registry.Call(ctx, "fact", [][]any{{n - 1}})
		require.NoError(t, err)
		return []any{n * rest[0].(int64)}
	})
	require.Equal(t, StateActive, fn.State())

	out, err := f.registry.Call(nil, "fact", [][]any{{int64(5)}})
	require.NoError(t, err)
	require.Equal(t, []any{int64(120)}, out)
}

func TestRegistry_DuplicateDeclarations(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "a.ls", "function f()", nil)

	_, err := f.registry.Declare("b.ls", "function f(x: number)")
	require.ErrorIs(t, err, ErrDuplicateFunction)
	require.ErrorContains(t, err, "already defined in a.ls")

	_, err = f.registry.DeclareNative("function f()", nil)
	require.ErrorIs(t, err, ErrDuplicateFunction)

	err = f.registry.RegisterNative(&Function{Name: "bad name"}, nil)
	require.ErrorIs(t, err, ErrInvalidDeclaration)
}

func TestReference_Binding(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "lib.ls", "function double(x: number) :: number", double)
	f.declare(t, "lib.ls", "function sum(xs: numbers) :: number", func(_ types.Context, params [][]any) []any {
		var total int64
		for _, v := range params[0] {
			total += v.(int64)
		}
		return []any{total}
	})
	f.declare(t, "lib.ls", "function log(x: text)", func(types.Context, [][]any) []any { return nil })

	ref, err := f.registry.NewReference("main.ls", "double", []types.Expression{literal(f.text, "21")}, []*types.Type{f.number})
	require.NoError(t, err)
	require.Equal(t, RefBound, ref.State())
	require.Equal(t, f.number, ref.ReturnType())
	require.True(t, ref.IsSingle())
	v, ok := ref.Single(nil)
	require.True(t, ok)
	require.Equal(t, int64(42), v, "arguments are converted to the parameter type")

	ref, err = f.registry.NewReference("main.ls", "double", []types.Expression{literal(f.number, int64(4))}, []*types.Type{f.text})
	require.NoError(t, err)
	require.Equal(t, []any{"8"}, ref.All(nil), "results are converted to the expected type")
	require.Equal(t, "double(4)", ref.String())

	ref, err = f.registry.NewReference("main.ls", "sum", []types.Expression{literal(f.number, int64(1), int64(2), int64(3))}, nil)
	require.NoError(t, err)
	require.True(t, ref.Check(nil, func(v any) bool { return v.(int64) == 6 }, false))

	testCases := map[string]struct {
		name        string
		args        []types.Expression
		expected    []*types.Type
		expectedErr string
	}{
		"too many arguments": {
			name:        "double",
			args:        []types.Expression{literal(f.number, int64(1)), literal(f.number, int64(2))},
			expectedErr: "takes at most 1 arguments",
		},
		"too few arguments": {
			name:        "double",
			expectedErr: "takes at least 1 arguments",
		},
		"argument of the wrong type": {
			name:        "double",
			args:        []types.Expression{literal(f.text, "nope")},
			expected:    []*types.Type{f.number},
			expectedErr: "the 1st argument given to double is not a number",
		},
		"plural argument for a single parameter": {
			name:        "double",
			args:        []types.Expression{literal(f.number, int64(1), int64(2))},
			expectedErr: "must be a single number",
		},
		"no return value": {
			name:        "log",
			args:        []types.Expression{literal(f.text, "x")},
			expected:    []*types.Type{f.text},
			expectedErr: "log does not return any value",
		},
		"unknown function": {
			name:        "missing",
			expectedErr: `the function "missing" does not exist`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := f.registry.Reference("main.ls", testCase.name, testCase.args, testCase.expected)
			require.ErrorContains(t, err, testCase.expectedErr)
		})
	}
}

func TestReference_ReturnTypeMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	flag := &types.Type{CodeName: "flag", Runtime: reflect.TypeOf(true)}

	f.declare(t, "lib.ls", "function double(x: number) :: number", double)
	_, err := f.registry.Reference("main.ls", "double", []types.Expression{literal(f.number, int64(1))}, []*types.Type{flag})
	require.ErrorContains(t, err, "returns a number, which is not flag")
}

func TestReference_ReloadRevalidation(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "lib.ls", "function double(x: number) :: number", double)

	fromMain, err := f.registry.NewReference("main.ls", "double", []types.Expression{literal(f.number, int64(3))}, []*types.Type{f.number})
	require.NoError(t, err)
	fromLib, err := f.registry.NewReference("lib.ls", "double", []types.Expression{literal(f.number, int64(3))}, []*types.Type{f.number})
	require.NoError(t, err)
	old := f.registry.Lookup("double")

	require.Equal(t, 1, f.registry.UnloadSource("lib.ls"))
	require.Equal(t, StateRemoved, old.State())
	require.Nil(t, f.registry.Lookup("double"))
	require.Equal(t, RefPending, fromMain.State())
	require.Empty(t, fromMain.All(nil), "a call to a removed function has no value")

	f.declare(t, "lib.ls", "function double(x: number) :: number", func(_ types.Context, params [][]any) []any {
		return []any{params[0][0].(int64) * 20}
	})
	require.Equal(t, StateRedeclared, old.State())
	require.NoError(t, f.registry.Revalidate(context.Background()))
	require.Equal(t, RefValid, fromMain.State())
	require.Equal(t, []any{int64(60)}, fromMain.All(nil), "the call site follows the new declaration")
	require.Equal(t, RefBound, fromLib.State(), "calls made by the unloaded source are dropped")

	require.Equal(t, 1, f.registry.UnloadSource("lib.ls"))
	f.declare(t, "lib.ls", "function double(x: number, y: number) :: number", double)
	err = f.registry.Revalidate(context.Background())
	require.ErrorContains(t, err, "double takes at least 2 arguments, but 1 were given")
	require.Equal(t, RefInvalid, fromMain.State())
	require.Empty(t, fromMain.All(nil))

	require.NoError(t, testutil.GatherAndCompare(f.registerer, strings.NewReader(`
		# HELP linescript_function_references_revalidated_total Total number of function call sites checked again after the function they call changed.
		# TYPE linescript_function_references_revalidated_total counter
		linescript_function_references_revalidated_total{outcome="invalid"} 1
		linescript_function_references_revalidated_total{outcome="valid"} 1
	`), "linescript_function_references_revalidated_total"))
}

func TestReference_FollowsRedeclarationWithoutRevalidate(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "lib.ls", "function one() :: number", func(types.Context, [][]any) []any { return []any{int64(1)} })

	ref, err := f.registry.NewReference("main.ls", "one", nil, []*types.Type{f.number})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, ref.All(nil))

	f.registry.UnloadSource("lib.ls")
	f.declare(t, "lib.ls", "function one() :: number", func(types.Context, [][]any) []any { return []any{int64(2)} })
	require.Equal(t, []any{int64(2)}, ref.All(nil))
	require.Equal(t, RefValid, ref.State())
}

func TestRegistry_AllowBeforeDefinitions(t *testing.T) {
	f := newFixture(t, Options{AllowBeforeDefinitions: true})

	later, err := f.registry.NewReference("main.ls", "later", []types.Expression{literal(f.number, int64(2))}, []*types.Type{f.number})
	require.NoError(t, err)
	require.Equal(t, RefPending, later.State())
	never, err := f.registry.NewReference("main.ls", "never", nil, nil)
	require.NoError(t, err)
	_, err = f.registry.NewReference("other.ls", "never", nil, nil)
	require.NoError(t, err)

	f.declare(t, "lib.ls", "function later(x: number) :: number", double)

	err = f.registry.PostCheck(context.Background())
	require.ErrorIs(t, err, ErrFunctionNotFound)
	require.ErrorContains(t, err, `the function "never" called in main.ls does not exist`)
	require.Equal(t, 1, strings.Count(err.Error(), `"never"`), "each missing function is reported once")
	require.Equal(t, RefInvalid, never.State())

	require.Equal(t, RefValid, later.State())
	require.Equal(t, []any{int64(4)}, later.All(nil))

	require.NoError(t, f.registry.PostCheck(context.Background()))
}

func TestRegistry_UnloadDropsTheSourcesOwnReferences(t *testing.T) {
	f := newFixture(t, Options{AllowBeforeDefinitions: true})
	_, err := f.registry.NewReference("main.ls", "never", nil, nil)
	require.NoError(t, err)

	f.registry.UnloadSource("main.ls")
	require.NoError(t, f.registry.PostCheck(context.Background()))
}

func TestRegistry_ClearAllKeepsNativeFunctions(t *testing.T) {
	f := newFixture(t, Options{})
	native, err := f.registry.DeclareNative("function abs(x: number) :: number", func(_ types.Context, params [][]any) []any {
		n := params[0][0].(int64)
		if n < 0 {
			n = -n
		}
		return []any{n}
	})
	require.NoError(t, err)
	require.True(t, native.Native())
	script := f.declare(t, "main.ls", "function f()", nil)

	require.Equal(t, 0, f.registry.UnloadSource(""), "native functions are never unloaded")
	f.registry.ClearAll()

	require.Same(t, native, f.registry.Lookup("abs"))
	require.Nil(t, f.registry.Lookup("f"))
	require.Equal(t, StateRemoved, script.State())
	require.Equal(t, 1, f.registry.Functions())

	out, err := f.registry.Call(nil, "abs", [][]any{{int64(-7)}})
	require.NoError(t, err)
	require.Equal(t, []any{int64(7)}, out)
}

type recordingTracker struct {
	events []string
}

func (r *recordingTracker) FunctionStarted(f *Function, args [][]any) {
	r.events = append(r.events, fmt.Sprintf("start %s %v", f.Name, args))
}

func (r *recordingTracker) FunctionFinished(f *Function, _ [][]any, start, end time.Time) {
	r.events = append(r.events, fmt.Sprintf("end %s %s", f.Name, end.Sub(start)))
}

func TestRegistry_Tracking(t *testing.T) {
	tracker := &recordingTracker{}
	clock := time.Unix(0, 0)
	f := newFixture(t, Options{
		Tracker: tracker,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	f.declare(t, "main", "function double(x: number) :: number", double)

	_, err := f.registry.Call(nil, "double", [][]any{{int64(1)}})
	require.NoError(t, err)
	_, err = f.registry.Call(nil, "double", nil)
	require.NoError(t, err)
	_, err = f.registry.Call(nil, "triple", nil)
	require.Error(t, err)

	require.Equal(t, []string{"start double [[1]]", "end double 1s"}, tracker.events, "calls that do not run are not tracked")

	require.NoError(t, testutil.GatherAndCompare(f.registerer, strings.NewReader(`
		# HELP linescript_function_calls_total Total number of function calls.
		# TYPE linescript_function_calls_total counter
		linescript_function_calls_total{outcome="missing_params"} 1
		linescript_function_calls_total{outcome="not_found"} 1
		linescript_function_calls_total{outcome="ok"} 1
	`), "linescript_function_calls_total"))
}

func TestMetricsTracker(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	tracker := NewMetricsTracker(reg)
	start := time.Unix(0, 0)
	tracker.FunctionStarted(nil, nil)
	tracker.FunctionFinished(nil, nil, start, start.Add(time.Millisecond))

	count, err := testutil.GatherAndCount(reg, "linescript_function_call_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRegistry_ConcurrentCallsDuringReload(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, "lib.ls", "function double(x: number) :: number", double)
	ref, err := f.registry.NewReference("main.ls", "double", []types.Expression{literal(f.number, int64(2))}, []*types.Type{f.number})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if out := ref.All(nil); len(out) > 0 {
					assert.Equal(t, int64(4), out[0])
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		f.registry.UnloadSource("lib.ls")
		f.declare(t, "lib.ls", "function double(x: number) :: number", double)
	}
	wg.Wait()
	require.NoError(t, f.registry.Revalidate(context.Background()))
}
