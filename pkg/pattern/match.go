// SPDX-License-Identifier: AGPL-3.0-only

package pattern

import (
	"slices"
	"strings"
)

// Capture is the text a placeholder matched.
type Capture struct {
	Text       string
	Start, End int
	Matched    bool
}

// RegexMatch is the text a regex placeholder matched, with its submatches.
type RegexMatch struct {
	Text    string
	Groups  []string
	Matched bool
}

// MatchResult describes how a line matched a pattern.
type MatchResult struct {
	// Input is the normalized line that was matched.
	Input string

	// Mark is the XOR of the marks of every alternative taken.
	Mark int

	// Choices holds the index of the alternative taken in each choice, or -1 if the choice was skipped.
	Choices []int

	// Captures is indexed like Pattern.Placeholders. Placeholders inside skipped optional groups are unmatched.
	Captures []Capture

	// Regexes is indexed like Pattern.Regexes.
	Regexes []RegexMatch
}

// AcceptFunc decides whether the text captured by a placeholder is acceptable, typically by parsing it.
// Rejecting the text makes the matcher backtrack and try other splits of the line.
type AcceptFunc func(p *Placeholder, text string) bool

// Match matches line against the pattern, accepting any non-empty placeholder text.
func (p *Pattern) Match(line string) (*MatchResult, bool) {
	return p.MatchFunc(line, nil)
}

// MatchFunc matches line against the pattern. Literal text is compared case-insensitively, and
// placeholder boundaries never fall inside quoted strings or parenthesised groups.
// Placeholder end positions are tried shortest first.
func (p *Pattern) MatchFunc(line string, accept AcceptFunc) (*MatchResult, bool) {
	input := Normalize(line)
	m := &matcher{
		input:  input,
		accept: accept,
		res: &MatchResult{
			Input:    input,
			Choices:  make([]int, p.Choices),
			Captures: make([]Capture, len(p.Placeholders)),
			Regexes:  make([]RegexMatch, len(p.Regexes)),
		},
	}
	for i := range m.res.Choices {
		m.res.Choices[i] = -1
	}

	if !m.seq(p.Nodes, 0, func(i int) bool { return i == len(input) }) {
		return nil, false
	}
	return m.res, true
}

// MatchFirst returns the index of the first pattern matching line, in the given order.
func MatchFirst(line string, patterns []*Pattern) (int, *MatchResult, bool) {
	for i, p := range patterns {
		if res, ok := p.Match(line); ok {
			return i, res, true
		}
	}
	return -1, nil, false
}

type matcher struct {
	input  string
	accept AcceptFunc
	res    *MatchResult

	// structural is set while checking whether the rest of the pattern can match at all. Placeholders then
	// take any text without calling accept.
	structural bool
}

// fits reports whether rest can match from position i when every placeholder takes any text. It leaves
// the match result unchanged.
func (m *matcher) fits(rest func(int) bool, i int) bool {
	mark := m.res.Mark
	choices := slices.Clone(m.res.Choices)
	captures := slices.Clone(m.res.Captures)
	regexes := slices.Clone(m.res.Regexes)

	m.structural = true
	ok := rest(i)
	m.structural = false

	m.res.Mark = mark
	copy(m.res.Choices, choices)
	copy(m.res.Captures, captures)
	copy(m.res.Regexes, regexes)
	return ok
}

// seq matches nodes starting at input position i and calls k with the position after them. It returns
// true as soon as k does, and restores any state it changed otherwise.
func (m *matcher) seq(nodes []Node, i int, k func(int) bool) bool {
	if len(nodes) == 0 {
		return k(i)
	}
	rest := func(j int) bool {
		return m.seq(nodes[1:], j, k)
	}

	switch n := nodes[0].(type) {
	case *Literal:
		end := i + len(n.Text)
		if end > len(m.input) || !strings.EqualFold(m.input[i:end], n.Text) {
			return false
		}
		return rest(end)

	case *Space:
		if i == 0 || i == len(m.input) || m.input[i-1] == ' ' {
			return rest(i)
		}
		if m.input[i] != ' ' {
			return false
		}
		return rest(i + 1)

	case *Optional:
		for _, alt := range n.Alternatives {
			mark := m.res.Mark
			m.res.Mark ^= alt.Mark
			if m.seq(alt.Nodes, i, rest) {
				return true
			}
			m.res.Mark = mark
		}
		return rest(i)

	case *Choice:
		prev := m.res.Choices[n.Index]
		for idx, alt := range n.Alternatives {
			mark := m.res.Mark
			m.res.Mark ^= alt.Mark
			m.res.Choices[n.Index] = idx
			if m.seq(alt.Nodes, i, rest) {
				return true
			}
			m.res.Mark = mark
		}
		m.res.Choices[n.Index] = prev
		return false

	case *Placeholder:
		if i >= len(m.input) || m.input[i] == ' ' {
			return false
		}
		prev := m.res.Captures[n.Index]
		for end := Next(m.input, i); end > 0; end = Next(m.input, end) {
			text := m.input[i:end]
			if text[len(text)-1] == ' ' {
				continue
			}
			// accept only sees text the rest of the pattern fits around.
			if m.accept != nil && !m.structural && (!m.fits(rest, end) || !m.accept(n, text)) {
				continue
			}
			m.res.Captures[n.Index] = Capture{Text: text, Start: i, End: end, Matched: true}
			if rest(end) {
				return true
			}
		}
		m.res.Captures[n.Index] = prev
		return false

	case *Regex:
		if i >= len(m.input) {
			return false
		}
		prev := m.res.Regexes[n.Index]
		for end := Next(m.input, i); end > 0; end = Next(m.input, end) {
			groups := n.re.FindStringSubmatch(m.input[i:end])
			if groups == nil {
				continue
			}
			m.res.Regexes[n.Index] = RegexMatch{Text: groups[0], Groups: groups[1:], Matched: true}
			if rest(end) {
				return true
			}
		}
		m.res.Regexes[n.Index] = prev
		return false

	default:
		return false
	}
}
