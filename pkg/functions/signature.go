// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"

	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/pattern"
	"github.com/linescript/linescript/pkg/types"
)

var (
	namePattern        = regexp.MustCompile(`^[\p{L}][\p{L}\p{N}_]*$`)
	declarationPattern = regexp.MustCompile(`(?i)^function\s+([\p{L}][\p{L}\p{N}_]*)\((.*)\)(?:\s*::\s*(.+))?$`)
	parameterPattern   = regexp.MustCompile(`^\s*(.+?)\s*:\s*(.+?)(?:\s*=\s*(.+))?\s*$`)
	parameterName      = regexp.MustCompile(`^[\p{L}_][\p{L}\p{N}_]*$`)
)

// ExpressionParser parses default values of parameters.
type ExpressionParser interface {
	ParseExpressionFrom(source, text string, to ...*types.Type) (types.Expression, error)
}

// Signature is a parsed function declaration.
type Signature struct {
	Name         string
	Params       []*Parameter
	ReturnType   *types.Type
	SingleReturn bool
}

// ParseSignature parses a declaration of the form
//
//	function name(param: type, param: type = default, ...) :: return type
//
// A type followed by '?', or a default of the form "value of none", lets calls leave the parameter out.
// Plural type names declare plural parameters and return values. Default values are parsed once, here.
func (r *Registry) ParseSignature(source, text string) (*Signature, error) {
	m := declarationPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil, errors.Wrapf(ErrInvalidDeclaration, "%q: a declaration looks like 'function name(param: type) :: type' and names only contain letters, digits and underscores", text)
	}
	sig := &Signature{Name: m[1]}

	if strings.TrimSpace(m[2]) != "" {
		defs, ok := pattern.SplitTopLevel(m[2], ',')
		if !ok {
			return nil, errors.Wrapf(ErrInvalidDeclaration, "function %s: invalid text or parentheses in the parameters", sig.Name)
		}
		seen := map[string]bool{}
		fold := cases.Fold()
		for i, def := range defs {
			p, err := r.parseParameter(source, sig.Name, i, def)
			if err != nil {
				return nil, err
			}
			key := fold.String(p.Name)
			if seen[key] {
				return nil, errors.Wrapf(ErrDuplicateParameter, "function %s: each parameter name must be unique, but %q occurs at least twice", sig.Name, p.Name)
			}
			seen[key] = true
			p.Name = key
			sig.Params = append(sig.Params, p)
		}
	}

	if m[3] != "" {
		t, plural := r.types.LookupByName(strings.TrimSpace(m[3]))
		if t == nil {
			return nil, errors.Wrapf(ErrInvalidDeclaration, "function %s: cannot recognise the return type %q", sig.Name, m[3])
		}
		sig.ReturnType = t
		sig.SingleReturn = !plural
	}
	return sig, nil
}

func (r *Registry) parseParameter(source, function string, i int, def string) (*Parameter, error) {
	ordinal := humanize.Ordinal(i + 1)
	m := parameterPattern.FindStringSubmatch(def)
	if m == nil {
		return nil, errors.Wrapf(ErrInvalidDeclaration, "function %s: the %s parameter's definition is invalid, it should look like 'name: type' or 'name: type = default value'", function, ordinal)
	}
	name, typeName, defaultText := m[1], m[2], strings.TrimSpace(m[3])
	if !parameterName.MatchString(name) {
		return nil, errors.Wrapf(ErrInvalidDeclaration, "function %s: the %s parameter's name %q is not a valid name", function, ordinal, name)
	}

	p := &Parameter{Name: name}
	if strings.HasSuffix(typeName, "?") {
		p.AcceptsNone = true
		typeName = strings.TrimSpace(strings.TrimSuffix(typeName, "?"))
	}
	if isNone(defaultText) {
		// "value of none" is no default at all.
		p.AcceptsNone = true
		defaultText = ""
	}

	t, plural := r.types.LookupByName(typeName)
	if t == nil {
		return nil, errors.Wrapf(ErrInvalidDeclaration, "function %s: cannot recognise the type %q of the %s parameter", function, typeName, ordinal)
	}
	p.Type = t
	p.Single = !plural

	if defaultText != "" {
		d, err := r.parseDefault(source, defaultText, t)
		if err != nil && !p.AcceptsNone {
			return nil, errors.Wrapf(ErrInvalidDefault, "function %s: the default value of the %s parameter: %s", function, ordinal, err)
		}
		p.Default = d
	}
	return p, nil
}

func isNone(def string) bool {
	return (strings.Contains(def, "none") || strings.Contains(def, "null")) && strings.Contains(def, "value of")
}

// parseDefault parses the default value of a parameter. Quoted text is always text. Unquoted defaults of text
// parameters are taken literally.
func (r *Registry) parseDefault(source, text string, t *types.Type) (types.Expression, error) {
	textType, _ := r.types.LookupByName("text")

	if s, ok := pattern.Unquote(text); ok && textType != nil {
		lit := expr.NewLiteral(textType, true, s).WithSource(text)
		if c, ok := lit.ConvertTo(r.conv, t); ok {
			return c, nil
		}
		return nil, errors.Errorf("%s is not %s", text, withArticle(t.CodeName))
	}
	if textType != nil && t == textType {
		return expr.NewLiteral(textType, true, text).WithSource(text), nil
	}
	if r.parser == nil {
		return nil, errors.New("default values need an expression parser")
	}
	d, err := r.parser.ParseExpressionFrom(source, text, t)
	if err != nil {
		return nil, errors.Errorf("'%s' is not %s", text, withArticle(t.CodeName))
	}
	return d, nil
}

func withArticle(noun string) string {
	if noun != "" && strings.ContainsRune("aeiou", rune(noun[0])) {
		return "an " + noun
	}
	return "a " + noun
}
