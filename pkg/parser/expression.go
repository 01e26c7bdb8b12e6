// SPDX-License-Identifier: AGPL-3.0-only

package parser

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/pattern"
	"github.com/linescript/linescript/pkg/types"
	utillog "github.com/linescript/linescript/pkg/util/log"
)

var (
	// listSeparator matches ", ", " and ", ", and ", " or ", ", nor " and so on at the start of a string.
	listSeparator = regexp.MustCompile(`(?i)^(?:\s*,?\s+(and|n?or)\s+|\s*,\s*)`)

	functionCall = regexp.MustCompile(`(?s)^([\p{L}][\p{L}\p{N}_]*)\((.*)\)$`)
)

// ParseExpression parses text as an expression of any of the given types, which defaults to object.
// Lists are allowed.
func (p *Parser) ParseExpression(text string, to ...*types.Type) (types.Expression, error) {
	return p.ParseExpressionFrom("", text, to...)
}

// ParseExpressionFrom is ParseExpression for text belonging to the named source unit.
func (p *Parser) ParseExpressionFrom(source, text string, to ...*types.Type) (types.Expression, error) {
	st := &state{source: source}
	text = pattern.Normalize(text)
	if e := p.parseExpression(st, text, p.specOf(true, to...), 0); e != nil {
		p.flushWarnings(st, e)
		return e, nil
	}
	return nil, &Error{Line: text, Reason: st.reason}
}

// reparser parses the text of unparsed expressions once a more specific type is wanted.
func (p *Parser) reparser(source string) expr.ReparseFunc {
	return func(text string, to ...*types.Type) (types.Expression, bool) {
		st := &state{source: source}
		e := p.parseExpression(st, text, p.specOf(true, to...), 0)
		if e == nil {
			return nil, false
		}
		p.flushWarnings(st, e)
		return e, true
	}
}

type separator struct {
	start, end int
	word       string
}

// separators finds the list separators of text outside quoted strings and parentheses.
func separators(text string) []separator {
	var seps []separator
	for i := 0; i < len(text); {
		if c := text[i]; c == ' ' || c == ',' {
			if loc := listSeparator.FindStringSubmatchIndex(text[i:]); loc != nil && loc[1] > 0 {
				word := ""
				if loc[2] >= 0 {
					word = strings.ToLower(text[i+loc[2] : i+loc[3]])
				}
				seps = append(seps, separator{start: i, end: i + loc[1], word: word})
				i += loc[1]
				continue
			}
		}
		n := pattern.Next(text, i)
		if n < 0 {
			return nil
		}
		i = n
	}
	return seps
}

// parseExpression parses text as a single expression, or failing that, as a list of expressions separated by
// commas, "and" or "or". List items are as long as possible.
//
// Unparsed items are only considered once no interpretation without them exists.
func (p *Parser) parseExpression(st *state, text string, spec *placeholderSpec, depth int) types.Expression {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if e := p.parseSingle(st, text, spec, depth, false); e != nil {
		return e
	}
	if e := p.parseList(st, text, spec, depth, false); e != nil {
		return e
	}
	if !spec.hasObject() || spec.expressionsOnly {
		return nil
	}
	if e := p.parseList(st, text, spec, depth, true); e != nil {
		return e
	}
	return p.parseSingle(st, text, spec, depth, true)
}

// parseList splits text into the longest parseable items. If unparsed is set, items that cannot be parsed are
// kept unparsed one separator-delimited chunk at a time.
func (p *Parser) parseList(st *state, text string, spec *placeholderSpec, depth int, unparsed bool) types.Expression {
	seps := separators(text)
	if len(seps) == 0 {
		return nil
	}
	n := len(seps) + 1
	start := func(i int) int {
		if i == 0 {
			return 0
		}
		return seps[i-1].end
	}
	end := func(i int) int {
		if i == n-1 {
			return len(text)
		}
		return seps[i].start
	}

	var (
		parts []types.Expression
		used  []separator
	)
	for b := 0; b < n; {
		found := false
		for a := n - b; a >= 1; a-- {
			if b == 0 && a == n {
				continue
			}
			chunk := text[start(b):end(b+a-1)]
			e := p.parseSingle(st, chunk, spec, depth, false)
			if e == nil && unparsed && a == 1 {
				e = p.parseSingle(st, chunk, spec, depth, true)
			}
			if e == nil {
				continue
			}
			parts = append(parts, e)
			if b > 0 {
				used = append(used, seps[b-1])
			}
			b += a
			found = true
			break
		}
		if !found {
			return nil
		}
	}

	rts := make([]*types.Type, 0, len(parts))
	for _, e := range parts {
		rts = append(rts, e.ReturnType())
	}
	and, warning := p.isAndList(text, used)
	list := expr.NewList(p.types.CommonSupertype(rts...), and, parts...)
	if warning != nil {
		st.warn(list, warning)
	}
	return list
}

// isAndList decides whether a list is an and-list from its separators. Lists without "and" or "or" and lists
// mixing both are and-lists, with a warning.
func (p *Parser) isAndList(text string, used []separator) (bool, error) {
	var hasAnd, hasOr bool
	for _, s := range used {
		switch s.word {
		case "and":
			hasAnd = true
		case "or", "nor":
			hasOr = true
		}
	}

	switch {
	case hasAnd && hasOr:
		return true, fmt.Errorf("list %q has both 'and' and 'or', it will be treated as an 'and' list", text)
	case hasOr:
		return false, nil
	case !hasAnd && !p.opts.DisableMissingAndOrWarnings:
		return true, p.missingAndOr.WrapError(fmt.Errorf("list %q is missing 'and' or 'or', it will be treated as an 'and' list", text))
	}
	return true, nil
}

// flushWarnings logs the warnings of the lists that made it into the parsed expressions. Lists built for
// interpretations that were later discarded are not reported.
func (p *Parser) flushWarnings(st *state, exprs ...types.Expression) {
	if len(st.warnings) == 0 {
		return
	}
	var walk func(e types.Expression)
	walk = func(e types.Expression) {
		if err, ok := st.warnings[e]; ok {
			utillog.Warn(p.logger, "ambiguous list", err, "source", st.source)
			delete(st.warnings, e)
		}
		switch v := e.(type) {
		case *expr.List:
			for _, m := range v.Members() {
				walk(m)
			}
		case *expr.Converted:
			walk(v.Source())
		}
	}
	for _, e := range exprs {
		if e != nil {
			walk(e)
		}
	}
}

// parseSingle parses text as one item: a parenthesised expression, a function call, a quoted string,
// a literal or an expression syntax, in that order. If unparsed is set, text that is none of these is kept
// unparsed when objects are acceptable.
func (p *Parser) parseSingle(st *state, text string, spec *placeholderSpec, depth int, unparsed bool) types.Expression {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if pattern.Enclosed(text, '(') {
		return p.parseExpression(st, text[1:len(text)-1], spec, depth)
	}

	if !spec.literalsOnly {
		if e, matched := p.parseFunctionCall(st, text, spec, depth); matched {
			return e
		}
	}

	if s, ok := pattern.Unquote(text); ok {
		return p.textLiteral(st, text, s, spec)
	}

	for _, t := range spec.types {
		if t.IsObject() {
			continue
		}
		v, ok := p.conv.Parse(text, t, types.ParseDefault)
		if !ok {
			continue
		}
		rt := p.types.LookupByValue(v)
		if rt == nil || !t.IsSupertypeOf(rt) {
			rt = t
		}
		return expr.NewLiteral(rt, true, v).WithSource(text)
	}

	if spec.literalsOnly {
		st.fail("%s is not a literal %s", text, spec)
		return nil
	}

	if depth < p.opts.MaxExpressionDepth {
		for _, s := range p.syntaxes[KindExpression] {
			el, ok := p.matchSyntax(st, text, s, depth+1)
			if !ok {
				continue
			}
			e, ok := s.Build(el)
			if !ok || e == nil {
				continue
			}
			if c, ok := e.ConvertTo(p.conv, spec.types...); ok {
				return c
			}
			st.fail("%s is not %s", text, spec)
		}
	} else {
		st.cutShort = true
		st.fail("%s is nested too deeply", text)
	}

	if unparsed && spec.hasObject() && !spec.expressionsOnly {
		return expr.NewUnparsed(text, p.types.Object(), p.reparser(st.source))
	}
	return nil
}

// textLiteral turns a quoted string into a text literal, converted to the wanted type if text is not
// acceptable as is.
func (p *Parser) textLiteral(st *state, raw, s string, spec *placeholderSpec) types.Expression {
	textType, _ := p.types.LookupByName("text")
	if textType == nil {
		if spec.hasObject() {
			return expr.NewLiteral(p.types.Object(), true, s).WithSource(raw)
		}
		st.fail("%s is not %s", raw, spec)
		return nil
	}
	if types.AnySupertypeOf(spec.types, textType) {
		return expr.NewLiteral(textType, true, s).WithSource(raw)
	}
	if v, t, ok := p.conv.ConvertToAny(s, spec.types...); ok {
		return expr.NewLiteral(t, true, v).WithSource(raw)
	}
	st.fail("%s is not %s", raw, spec)
	return nil
}

// parseFunctionCall parses text of the form name(arguments). matched is false if text does not look like a
// function call, in which case other interpretations are tried.
func (p *Parser) parseFunctionCall(st *state, text string, spec *placeholderSpec, depth int) (e types.Expression, matched bool) {
	if p.funcs == nil {
		return nil, false
	}
	m := functionCall.FindStringSubmatch(text)
	if m == nil || pattern.Next(text, len(m[1])) != len(text) {
		return nil, false
	}

	var args []types.Expression
	if strings.TrimSpace(m[2]) != "" {
		parts, ok := pattern.SplitTopLevel(m[2], ',')
		if !ok {
			return nil, false
		}
		for i, part := range parts {
			arg := p.parseExpression(st, part, p.specOf(true), depth)
			if arg == nil {
				st.fail("can't understand argument %d of %s: %q", i+1, m[1], strings.TrimSpace(part))
				return nil, true
			}
			args = append(args, arg)
		}
	}

	ref, err := p.funcs.Reference(st.source, m[1], args, spec.types)
	if err != nil {
		st.fail("%s", err)
		return nil, true
	}
	return ref, true
}
