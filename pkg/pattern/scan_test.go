// SPDX-License-Identifier: AGPL-3.0-only

package pattern

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	for input, expected := range map[string]string{
		"  a   b  ":          "a b",
		"a\t\nb":             "a b",
		`say "a   b"  now`:   `say "a   b" now`,
		`"x ""  y"" z"   w`:  `"x ""  y"" z" w`,
		"":                   "",
	} {
		require.Equal(t, expected, Normalize(input), input)
	}
}

func TestNext(t *testing.T) {
	testCases := map[string]struct {
		s        string
		i        int
		expected int
	}{
		"plain character":             {s: "abc", i: 0, expected: 1},
		"multi-byte character":        {s: "äb", i: 0, expected: 2},
		"quoted string":               {s: `"a b" c`, i: 0, expected: 5},
		"quoted string with escape":   {s: `"a ""b""" c`, i: 0, expected: 9},
		"unclosed string":             {s: `"a b`, i: 0, expected: -1},
		"group":                       {s: "(a (b) c) d", i: 0, expected: 9},
		"group containing a quote":    {s: `(")") x`, i: 0, expected: 5},
		"unclosed group":              {s: "(a (b)", i: 0, expected: -1},
		"end of string":               {s: "abc", i: 3, expected: -1},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.expected, Next(testCase.s, testCase.i))
		})
	}
}

func TestUnquote(t *testing.T) {
	s, ok := Unquote(`"say ""hi"""`)
	require.True(t, ok)
	require.Equal(t, `say "hi"`, s)

	_, ok = Unquote(`"a" and "b"`)
	require.False(t, ok)
}

func TestSplitTopLevel(t *testing.T) {
	parts, ok := SplitTopLevel(`1, f(2, 3), "a, b"`, ',')
	require.True(t, ok)
	require.Equal(t, []string{"1", " f(2, 3)", ` "a, b"`}, parts)

	_, ok = SplitTopLevel(`1, "a`, ',')
	require.False(t, ok)
}
