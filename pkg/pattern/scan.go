// SPDX-License-Identifier: AGPL-3.0-only

package pattern

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalize trims s and collapses runs of whitespace outside quoted strings into a single space.
func Normalize(s string) string {
	var (
		b       strings.Builder
		quoted  bool
		pending bool
	)
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(s) {
		if !quoted && unicode.IsSpace(r) {
			pending = true
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		if r == '"' {
			quoted = !quoted
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Next returns the index just after the character at i, skipping over a whole quoted string or a whole
// parenthesised group if one starts at i. It returns -1 at the end of s or if a string or group is not
// closed.
//
// Quoted strings escape a quote by doubling it.
func Next(s string, i int) int {
	if i < 0 || i >= len(s) {
		return -1
	}
	switch s[i] {
	case '"':
		j := i + 1
		for {
			k := strings.IndexByte(s[j:], '"')
			if k < 0 {
				return -1
			}
			j += k
			if j+1 < len(s) && s[j+1] == '"' {
				j += 2
				continue
			}
			return j + 1
		}
	case '(':
		depth := 0
		for j := i; j < len(s); {
			switch s[j] {
			case '"':
				n := Next(s, j)
				if n < 0 {
					return -1
				}
				j = n
				continue
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return j + 1
				}
			}
			j++
		}
		return -1
	default:
		_, size := utf8.DecodeRuneInString(s[i:])
		return i + size
	}
}

// Enclosed reports whether s is entirely one quoted string or one parenthesised group starting with open.
func Enclosed(s string, open byte) bool {
	return len(s) >= 2 && s[0] == open && Next(s, 0) == len(s)
}

// Unquote returns the content of a quoted string with doubled quotes collapsed.
func Unquote(s string) (string, bool) {
	if !Enclosed(s, '"') {
		return "", false
	}
	return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`), true
}

// SplitTopLevel splits s at every sep that is not inside a quoted string or parenthesised group.
func SplitTopLevel(s string, sep byte) ([]string, bool) {
	var parts []string
	start := 0
	for i := 0; i < len(s); {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
			i++
			continue
		}
		n := Next(s, i)
		if n < 0 {
			return nil, false
		}
		i = n
	}
	return append(parts, s[start:]), true
}
