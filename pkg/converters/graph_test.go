// SPDX-License-Identifier: AGPL-3.0-only

package converters

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/linescript/linescript/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type (
	alpha int
	beta  string
	gamma float64
	delta []byte
)

type fixture struct {
	reg        *types.Registry
	g          *Graph
	a, b, c, d *types.Type
	registerer *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{reg: types.NewRegistry(nil, nil), registerer: prometheus.NewPedanticRegistry()}
	f.a = &types.Type{CodeName: "alpha", Runtime: reflect.TypeOf(alpha(0)), Parser: &types.Parser{
		Parse: func(text string, _ types.ParseContext) (any, bool) {
			v, err := strconv.Atoi(text)
			return alpha(v), err == nil
		},
	}}
	f.b = &types.Type{CodeName: "beta", Runtime: reflect.TypeOf(beta(""))}
	f.c = &types.Type{CodeName: "gamma", Runtime: reflect.TypeOf(gamma(0))}
	f.d = &types.Type{CodeName: "delta", Runtime: reflect.TypeOf(delta(nil))}
	for _, typ := range []*types.Type{f.a, f.b, f.c, f.d} {
		require.NoError(t, f.reg.Register(typ))
	}
	require.NoError(t, f.reg.Freeze())
	f.g = NewGraph(f.reg, 4, nil, f.registerer)
	return f
}

func alphaToBeta(v alpha) (beta, bool) { return beta(strconv.Itoa(int(v))), true }

func betaToGamma(v beta) (gamma, bool) {
	f, err := strconv.ParseFloat(string(v), 64)
	return gamma(f), err == nil
}

func TestGraph_Register(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.ErrorIs(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta), ErrDuplicateConverter)
	require.NoError(t, RegisterFunc(f.g, f.b, f.a, func(beta) (alpha, bool) { return 0, false }), "the reverse direction is a different edge")

	f.g.Freeze()
	require.ErrorIs(t, RegisterFunc(f.g, f.b, f.c, betaToGamma), types.ErrRegistrationClosed)
}

func TestGraph_Convert(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, betaToGamma))

	testCases := map[string]struct {
		value    any
		to       *types.Type
		expected any
		ok       bool
	}{
		"same type": {
			value: alpha(1), to: f.a, expected: alpha(1), ok: true,
		},
		"to object": {
			value: alpha(1), to: f.reg.Object(), expected: alpha(1), ok: true,
		},
		"direct edge": {
			value: alpha(5), to: f.b, expected: beta("5"), ok: true,
		},
		"composite path": {
			value: alpha(5), to: f.c, expected: gamma(5), ok: true,
		},
		"composite path matches manual chaining": {
			value: alpha(-12), to: f.c, expected: func() any { b, _ := alphaToBeta(-12); c, _ := betaToGamma(b); return c }(), ok: true,
		},
		"converter rejects the value": {
			value: beta("not a number"), to: f.c, ok: false,
		},
		"no path": {
			value: gamma(1), to: f.a, ok: false,
		},
		"unregistered value type": {
			value: struct{}{}, to: f.a, ok: false,
		},
		"nil": {
			value: nil, to: f.a, ok: false,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			v, ok := f.g.Convert(testCase.value, testCase.to)
			require.Equal(t, testCase.ok, ok)
			require.Equal(t, testCase.expected, v)
		})
	}
}

func TestGraph_CachedPathsAreNotReplaced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, betaToGamma))

	v, ok := f.g.Convert(alpha(3), f.c)
	require.True(t, ok)
	require.Equal(t, gamma(3), v)

	require.NoError(t, RegisterFunc(f.g, f.a, f.c, func(v alpha) (gamma, bool) { return gamma(v * 100), true }))

	v, ok = f.g.Convert(alpha(3), f.c)
	require.True(t, ok)
	require.Equal(t, gamma(3), v, "a direct edge registered later must not change an already cached path")

	path, ok := f.g.Path(f.a, f.c)
	require.True(t, ok)
	require.Equal(t, "alpha -> beta -> gamma", path)
}

func TestGraph_NegativeResultsAreCached(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.g.Exists(f.a, f.c))

	require.NoError(t, RegisterFunc(f.g, f.a, f.c, func(v alpha) (gamma, bool) { return gamma(v), true }))
	require.False(t, f.g.Exists(f.a, f.c))
}

func TestGraph_ShortestPathIsPreferred(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.d, func(v alpha) (delta, bool) { return delta("long"), true }))
	require.NoError(t, RegisterFunc(f.g, f.d, f.b, func(v delta) (beta, bool) { return beta(v), true }))
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, func(v beta) (gamma, bool) { return 1, true }))
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, func(v alpha) (beta, bool) { return "short", true }))

	path, ok := f.g.Path(f.a, f.b)
	require.True(t, ok)
	require.Equal(t, "alpha -> beta", path)

	path, ok = f.g.Path(f.a, f.c)
	require.True(t, ok)
	require.Equal(t, "alpha -> beta -> gamma", path)
}

func TestGraph_EqualLengthPathsResolveInRegistrationOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.d, func(v alpha) (delta, bool) { return delta("via delta"), true }))
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, func(v alpha) (beta, bool) { return "via beta", true }))
	require.NoError(t, RegisterFunc(f.g, f.d, f.c, func(v delta) (gamma, bool) { return 1, true }))
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, func(v beta) (gamma, bool) { return 2, true }))

	for i := 0; i < 10; i++ {
		v, ok := f.g.Convert(alpha(0), f.c)
		require.True(t, ok)
		require.Equal(t, gamma(1), v)
	}
}

func TestGraph_CyclesTerminate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.NoError(t, RegisterFunc(f.g, f.b, f.a, func(v beta) (alpha, bool) { n, err := strconv.Atoi(string(v)); return alpha(n), err == nil }))
	require.NoError(t, RegisterFunc(f.g, f.b, f.d, func(v beta) (delta, bool) { return delta(v), true }))
	require.NoError(t, RegisterFunc(f.g, f.d, f.b, func(v delta) (beta, bool) { return beta(v), true }))

	require.False(t, f.g.Exists(f.a, f.c))
	require.True(t, f.g.Exists(f.a, f.d))
}

func TestGraph_ChainingOptions(t *testing.T) {
	testCases := map[string]struct {
		first, second Option
		expected      bool
	}{
		"no options":                             {expected: true},
		"first edge forbids right chaining":      {first: NoRightChaining, expected: false},
		"second edge forbids left chaining":      {second: NoLeftChaining, expected: false},
		"first edge forbids left chaining":       {first: NoLeftChaining, expected: true},
		"second edge forbids right chaining":     {second: NoRightChaining, expected: true},
		"second edge forbids chaining entirely":  {second: NoChaining, expected: false},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta, testCase.first))
			require.NoError(t, RegisterFunc(f.g, f.b, f.c, betaToGamma, testCase.second))

			require.Equal(t, testCase.expected, f.g.Exists(f.a, f.c))
			require.True(t, f.g.Exists(f.a, f.b), "single edges are unaffected by chaining options")
		})
	}
}

func TestGraph_ConvertArrayDropsFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, betaToGamma))

	out := f.g.ConvertArray([]any{beta("1"), beta("two"), beta("3")}, f.c)
	require.Equal(t, []any{gamma(1), gamma(3)}, out)

	_, err := f.g.ConvertStrict([]any{beta("1"), beta("two")}, f.c)
	require.Error(t, err)

	out, err = f.g.ConvertStrict([]any{beta("1")}, f.c)
	require.NoError(t, err)
	require.Equal(t, []any{gamma(1)}, out)
}

func TestGraph_ConvertToAny(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))

	v, typ, ok := f.g.ConvertToAny(alpha(4), f.c, f.b, f.a)
	require.True(t, ok)
	require.Equal(t, f.a, typ, "a type the value already has wins over conversions")
	require.Equal(t, alpha(4), v)

	v, typ, ok = f.g.ConvertToAny(alpha(4), f.c, f.b)
	require.True(t, ok)
	require.Equal(t, f.b, typ)
	require.Equal(t, beta("4"), v)

	_, _, ok = f.g.ConvertToAny(alpha(4), f.c)
	require.False(t, ok)
}

func TestGraph_ParseFallsBackToConverters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.NoError(t, RegisterFunc(f.g, f.a, f.c, func(v alpha) (gamma, bool) { return gamma(v), true }, NoCommandArguments))

	v, ok := f.g.Parse("7", f.b, types.ParseDefault)
	require.True(t, ok)
	require.Equal(t, beta("7"), v)

	_, ok = f.g.Parse("seven", f.b, types.ParseDefault)
	require.False(t, ok)

	_, ok = f.g.Parse("7", f.c, types.ParseCommand)
	require.False(t, ok)
	v, ok = f.g.Parse("7", f.c, types.ParseDefault)
	require.True(t, ok)
	require.Equal(t, gamma(7), v)
}

func TestGraph_ConcurrentResolution(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))
	require.NoError(t, RegisterFunc(f.g, f.b, f.c, betaToGamma))
	f.g.Freeze()

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok := f.g.Convert(alpha(i), f.c)
			require.True(t, ok)
			require.Equal(t, gamma(i), v)
		}(i)
	}
	wg.Wait()

	path, ok := f.g.Path(f.a, f.c)
	require.True(t, ok)
	require.Equal(t, "alpha -> beta -> gamma", path)
}

func TestGraph_Metrics(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterFunc(f.g, f.a, f.b, alphaToBeta))

	f.g.Convert(alpha(1), f.b)
	f.g.Convert(alpha(2), f.b)
	f.g.Convert(alpha(2), f.c)

	require.NoError(t, testutil.GatherAndCompare(f.registerer, strings.NewReader(`
		# HELP linescript_converter_cache_lookups_total Total number of converter path cache lookups.
		# TYPE linescript_converter_cache_lookups_total counter
		linescript_converter_cache_lookups_total{result="hit"} 1
		linescript_converter_cache_lookups_total{result="miss"} 2
		# HELP linescript_converter_paths_resolved_total Total number of converter paths resolved by searching the converter graph.
		# TYPE linescript_converter_paths_resolved_total counter
		linescript_converter_paths_resolved_total{outcome="found"} 1
		linescript_converter_paths_resolved_total{outcome="none"} 1
	`)))
}
