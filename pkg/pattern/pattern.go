// SPDX-License-Identifier: AGPL-3.0-only

// Package pattern compiles and matches syntax patterns.
//
// Pattern grammar:
//
//	[...]        optional group
//	(a|b)        choice; each alternative may start with a mark such as 1¦
//	%type/type%  placeholder; flags: - optional, * literals only, ~ expressions only, @N time state
//	<regex>      placeholder matched by a regular expression
//	\x           escaped character
package pattern

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

var ErrMalformedPattern = errors.New("malformed pattern")

// MalformedError reports a pattern that could not be compiled.
type MalformedError struct {
	Source string
	Pos    int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s %q at position %d: %s", ErrMalformedPattern, e.Source, e.Pos, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedPattern
}

// Node is one element of a compiled pattern.
type Node interface {
	node()
}

// Literal matches its text, ignoring case.
type Literal struct {
	Text string
}

// Space matches a single space, or nothing at the start or end of the input or after another space.
type Space struct{}

// Alternative is one branch of a Choice or Optional group.
type Alternative struct {
	Mark  int
	Nodes []Node
}

// Optional matches one of its alternatives, or nothing.
type Optional struct {
	Alternatives []*Alternative
}

// Choice matches exactly one of its alternatives. Index numbers choices in pattern order.
type Choice struct {
	Index        int
	Alternatives []*Alternative
}

// Placeholder captures text to be parsed as an expression of one of its types.
type Placeholder struct {
	Index int
	Spec  string
	Types []string

	Optional        bool
	LiteralsOnly    bool
	ExpressionsOnly bool
	Time            int
}

// Regex captures text matching a regular expression.
type Regex struct {
	Index  int
	Source string
	re     *regexp.Regexp
}

func (*Literal) node()     {}
func (*Space) node()       {}
func (*Optional) node()    {}
func (*Choice) node()      {}
func (*Placeholder) node() {}
func (*Regex) node()       {}

// Pattern is a compiled pattern. It is immutable and safe for concurrent use.
type Pattern struct {
	Source       string
	Nodes        []Node
	Placeholders []*Placeholder
	Regexes      []*Regex
	Choices      int
}

// MustCompile is like Compile but panics if the pattern is malformed.
func MustCompile(source string) *Pattern {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// Compile parses a pattern source.
func Compile(source string) (*Pattern, error) {
	c := &compiler{source: source, src: []rune(source)}
	alts, err := c.alternatives(0)
	if err != nil {
		return nil, err
	}
	if len(alts) > 1 {
		return nil, c.errorf("'|' must be inside a (...) or [...] group")
	}

	nodes := alts[0].Nodes
	for len(nodes) > 0 {
		if _, ok := nodes[0].(*Space); !ok {
			break
		}
		nodes = nodes[1:]
	}
	for len(nodes) > 0 {
		if _, ok := nodes[len(nodes)-1].(*Space); !ok {
			break
		}
		nodes = nodes[:len(nodes)-1]
	}

	return &Pattern{
		Source:       source,
		Nodes:        nodes,
		Placeholders: c.placeholders,
		Regexes:      c.regexes,
		Choices:      c.choices,
	}, nil
}

type compiler struct {
	source string
	src    []rune
	pos    int

	placeholders []*Placeholder
	regexes      []*Regex
	choices      int
}

func (c *compiler) errorf(format string, args ...any) error {
	return &MalformedError{Source: c.source, Pos: c.pos, Reason: fmt.Sprintf(format, args...)}
}

// alternatives parses '|'-separated sequences until closer, which is left unconsumed. A zero closer means
// the end of the pattern.
func (c *compiler) alternatives(closer rune) ([]*Alternative, error) {
	var alts []*Alternative
	for {
		alt := &Alternative{}
		if closer != 0 {
			alt.Mark = c.mark()
		}
		nodes, err := c.sequence(closer)
		if err != nil {
			return nil, err
		}
		alt.Nodes = nodes
		alts = append(alts, alt)

		if c.pos < len(c.src) && c.src[c.pos] == '|' {
			c.pos++
			continue
		}
		return alts, nil
	}
}

// mark consumes a leading "N¦" and returns N, or returns 0 if there is none.
func (c *compiler) mark() int {
	end := c.pos
	for end < len(c.src) && c.src[end] >= '0' && c.src[end] <= '9' {
		end++
	}
	if end == c.pos || end >= len(c.src) || c.src[end] != '¦' {
		return 0
	}
	mark, err := strconv.Atoi(string(c.src[c.pos:end]))
	if err != nil {
		return 0
	}
	c.pos = end + 1
	return mark
}

func (c *compiler) sequence(closer rune) ([]Node, error) {
	var (
		nodes []Node
		lit   strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			nodes = append(nodes, &Literal{Text: lit.String()})
			lit.Reset()
		}
	}
	add := func(n Node) error {
		flush()
		if endsWithCapture(nodes) && startsWithCapture([]Node{n}) {
			return c.errorf("placeholders must be separated by text")
		}
		nodes = append(nodes, n)
		return nil
	}

	for {
		if c.pos >= len(c.src) {
			if closer != 0 {
				return nil, c.errorf("missing closing %q", closer)
			}
			flush()
			return nodes, nil
		}

		r := c.src[c.pos]
		switch {
		case r == '|':
			flush()
			return nodes, nil

		case r == ')' || r == ']':
			if r != closer {
				return nil, c.errorf("unexpected %q", r)
			}
			flush()
			return nodes, nil

		case r == '>':
			return nil, c.errorf("unexpected '>' outside of a <regex>")

		case r == '\\':
			if c.pos+1 >= len(c.src) {
				return nil, c.errorf("pattern must not end with a backslash")
			}
			lit.WriteRune(c.src[c.pos+1])
			c.pos += 2

		case unicode.IsSpace(r):
			flush()
			if len(nodes) == 0 || !isSpace(nodes[len(nodes)-1]) {
				nodes = append(nodes, &Space{})
			}
			c.pos++

		case r == '[':
			c.pos++
			alts, err := c.alternatives(']')
			if err != nil {
				return nil, err
			}
			c.pos++
			if err := add(&Optional{Alternatives: alts}); err != nil {
				return nil, err
			}

		case r == '(':
			start := c.pos
			c.pos++
			index := c.choices
			c.choices++
			alts, err := c.alternatives(')')
			if err != nil {
				return nil, err
			}
			if len(alts) < 2 {
				c.pos = start
				return nil, c.errorf("(...) group without '|'")
			}
			c.pos++
			if err := add(&Choice{Index: index, Alternatives: alts}); err != nil {
				return nil, err
			}

		case r == '%':
			end := c.find('%', c.pos+1)
			if end < 0 {
				return nil, c.errorf("missing closing '%%'")
			}
			ph, err := c.placeholder(string(c.src[c.pos+1 : end]))
			if err != nil {
				return nil, err
			}
			c.pos = end + 1
			if err := add(ph); err != nil {
				return nil, err
			}

		case r == '<':
			end := c.find('>', c.pos+1)
			if end < 0 {
				return nil, c.errorf("missing closing '>'")
			}
			source := string(c.src[c.pos+1 : end])
			re, err := regexp.Compile("^(?:" + source + ")$")
			if err != nil {
				return nil, c.errorf("invalid regular expression <%s>: %v", source, err)
			}
			c.pos = end + 1
			rx := &Regex{Index: len(c.regexes), Source: source, re: re}
			c.regexes = append(c.regexes, rx)
			if err := add(rx); err != nil {
				return nil, err
			}

		default:
			lit.WriteRune(r)
			c.pos++
		}
	}
}

// find returns the index of the first unescaped r at or after from, or -1.
func (c *compiler) find(r rune, from int) int {
	for i := from; i < len(c.src); i++ {
		if c.src[i] == '\\' {
			i++
			continue
		}
		if c.src[i] == r {
			return i
		}
	}
	return -1
}

func (c *compiler) placeholder(spec string) (*Placeholder, error) {
	ph := &Placeholder{Index: len(c.placeholders), Spec: spec}
	s := spec

	if strings.HasPrefix(s, "-") {
		ph.Optional = true
		s = s[1:]
	}
	switch {
	case strings.HasPrefix(s, "*"):
		ph.LiteralsOnly = true
		s = s[1:]
	case strings.HasPrefix(s, "~"):
		ph.ExpressionsOnly = true
		s = s[1:]
	}
	if strings.HasPrefix(s, "-") {
		ph.Optional = true
		s = s[1:]
	}
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		t, err := strconv.Atoi(s[at+1:])
		if err != nil || t < -1 || t > 1 {
			return nil, c.errorf("invalid time state in %%%s%%", spec)
		}
		ph.Time = t
		s = s[:at]
	}

	for _, name := range strings.Split(s, "/") {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, c.errorf("empty type name in %%%s%%", spec)
		}
		ph.Types = append(ph.Types, name)
	}

	c.placeholders = append(c.placeholders, ph)
	return ph, nil
}

// endsWithCapture reports whether a placeholder or regex can be the last thing nodes match, including when
// trailing optional groups are skipped.
func endsWithCapture(nodes []Node) bool {
	for i := len(nodes) - 1; i >= 0; i-- {
		if edgeCapture(nodes[i], endsWithCapture) {
			return true
		}
		if !canBeEmpty(nodes[i]) {
			return false
		}
	}
	return false
}

// startsWithCapture reports whether a placeholder or regex can be the first thing nodes match, including
// when leading optional groups are skipped.
func startsWithCapture(nodes []Node) bool {
	for _, n := range nodes {
		if edgeCapture(n, startsWithCapture) {
			return true
		}
		if !canBeEmpty(n) {
			return false
		}
	}
	return false
}

func edgeCapture(n Node, edge func([]Node) bool) bool {
	switch n := n.(type) {
	case *Placeholder, *Regex:
		return true
	case *Optional:
		return anyAlternative(n.Alternatives, edge)
	case *Choice:
		return anyAlternative(n.Alternatives, edge)
	default:
		return false
	}
}

func anyAlternative(alts []*Alternative, pred func([]Node) bool) bool {
	for _, alt := range alts {
		if pred(alt.Nodes) {
			return true
		}
	}
	return false
}

// canBeEmpty reports whether n can match without consuming text. Spaces always separate placeholders.
func canBeEmpty(n Node) bool {
	switch n := n.(type) {
	case *Optional:
		return true
	case *Choice:
		return anyAlternative(n.Alternatives, func(nodes []Node) bool {
			for _, n := range nodes {
				if !canBeEmpty(n) {
					return false
				}
			}
			return true
		})
	default:
		return false
	}
}

func isSpace(n Node) bool {
	_, ok := n.(*Space)
	return ok
}
