// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/linescript/linescript/pkg/engine"
	"github.com/linescript/linescript/pkg/expr"
	"github.com/linescript/linescript/pkg/parser"
	"github.com/linescript/linescript/pkg/types"
)

// SyntaxFile lists the syntaxes scripts are checked against.
type SyntaxFile struct {
	Syntaxes []SyntaxDefinition `yaml:"syntaxes"`
}

type SyntaxDefinition struct {
	Owner string `yaml:"owner"`
	Kind  string `yaml:"kind"`

	// ReturnType is required for expressions. A plural type name makes the expression return several values.
	ReturnType string   `yaml:"return_type,omitempty"`
	Priority   int      `yaml:"priority,omitempty"`
	Patterns   []string `yaml:"patterns"`
}

// LoadSyntaxFile reads and validates a syntax file.
func LoadSyntaxFile(fs afero.Fs, path string) (*SyntaxFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read syntax file")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	f := &SyntaxFile{}
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "failed to parse syntax file %s", path)
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid syntax file %s", path)
	}
	return f, nil
}

func (f *SyntaxFile) Validate() error {
	var errs error
	for i, d := range f.Syntaxes {
		name := d.Owner
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = multierr.Append(errs, fmt.Errorf("syntax %s: owner is required", name))
		}
		kind, err := parser.ParseKind(d.Kind)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "syntax %s", name))
		}
		if len(d.Patterns) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("syntax %s: at least one pattern is required", name))
		}
		switch {
		case err == nil && kind == parser.KindExpression && d.ReturnType == "":
			errs = multierr.Append(errs, fmt.Errorf("syntax %s: expressions need a return type", name))
		case err == nil && kind != parser.KindExpression && d.ReturnType != "":
			errs = multierr.Append(errs, fmt.Errorf("syntax %s: only expressions have a return type", name))
		}
	}
	return errs
}

// Register registers every syntax of the file with e. Expression syntaxes produce no values: they are only
// matched, never evaluated.
func (f *SyntaxFile) Register(e *engine.Engine) error {
	for _, d := range f.Syntaxes {
		kind, err := parser.ParseKind(d.Kind)
		if err != nil {
			return err
		}

		opts := []parser.SyntaxOption{parser.WithPriority(d.Priority)}
		if kind == parser.KindExpression {
			t, plural := e.Types().LookupByName(d.ReturnType)
			if t == nil {
				return errors.Wrapf(engine.ErrUnknownType, "syntax %s returns %q", d.Owner, d.ReturnType)
			}
			owner := d.Owner
			opts = append(opts, parser.WithBuild(t, func(*parser.ParsedElement) (types.Expression, bool) {
				return expr.NewDynamic(owner, t, !plural, func(types.Context) []any { return nil }), true
			}))
		}

		if _, err := e.RegisterSyntax(d.Owner, kind, d.Patterns, opts...); err != nil {
			return errors.Wrapf(err, "failed to register syntax %s", d.Owner)
		}
	}
	return nil
}
