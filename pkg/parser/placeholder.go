// SPDX-License-Identifier: AGPL-3.0-only

package parser

import (
	"strings"

	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/pattern"
	"github.com/linescript/linescript/pkg/types"
)

// placeholderSpec is a placeholder with its type names resolved.
type placeholderSpec struct {
	types  []*types.Type
	plural bool

	optional        bool
	literalsOnly    bool
	expressionsOnly bool
	time            int
}

func (s *placeholderSpec) hasObject() bool {
	for _, t := range s.types {
		if t.IsObject() {
			return true
		}
	}
	return false
}

func (s *placeholderSpec) String() string {
	names := make([]string, 0, len(s.types))
	for _, t := range s.types {
		if s.plural {
			names = append(names, t.PluralName())
		} else {
			names = append(names, t.CodeName)
		}
	}
	return strings.Join(names, " or ")
}

// defaultExpression returns the default expression of the first type that has one.
func (s *placeholderSpec) defaultExpression() types.Expression {
	for _, t := range s.types {
		if t.Default != nil {
			if d := t.Default(); d != nil {
				return d
			}
		}
	}
	return nil
}

// spec resolves the type names of ph. Unknown names are ignored. A placeholder without any known type
// accepts objects. Resolved specs are cached once the type registry is frozen.
func (p *Parser) spec(ph *pattern.Placeholder) *placeholderSpec {
	if s, ok := p.specs.Get(ph.Spec); ok {
		return s
	}

	s := &placeholderSpec{
		optional:        ph.Optional,
		literalsOnly:    ph.LiteralsOnly,
		expressionsOnly: ph.ExpressionsOnly,
		time:            ph.Time,
	}
	for _, name := range ph.Types {
		t, plural := p.types.LookupByName(name)
		if t == nil {
			continue
		}
		s.types = append(s.types, t)
		s.plural = s.plural || plural
	}
	if len(s.types) == 0 {
		s.types = []*types.Type{p.types.Object()}
		s.plural = true
	}

	if p.types.Frozen() {
		p.specs.Add(ph.Spec, s)
	}
	return s
}

func (p *Parser) specOf(plural bool, to ...*types.Type) *placeholderSpec {
	if len(to) == 0 {
		to = []*types.Type{p.types.Object()}
	}
	return &placeholderSpec{types: to, plural: plural}
}

// parsePlaceholder parses the text captured by a placeholder and checks it against the placeholder's flags.
// It returns nil if the text is not acceptable.
func (p *Parser) parsePlaceholder(st *state, text string, spec *placeholderSpec, depth int) types.Expression {
	e := p.parseExpression(st, text, spec, depth)
	if e == nil {
		return nil
	}

	if !spec.plural && !e.IsSingle() {
		st.fail("%s can only be a single %s, not more", text, spec)
		return nil
	}
	if spec.expressionsOnly && expr.IsLiteral(e) {
		st.fail("%s cannot be a literal value", text)
		return nil
	}
	if spec.time != 0 {
		ts, ok := e.(types.TimeSensitive)
		if expr.IsLiteral(e) || !ok || !ts.SetTime(spec.time) {
			st.fail("%s does not have a past or future state", text)
			return nil
		}
	}
	return e
}
