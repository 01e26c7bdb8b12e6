// SPDX-License-Identifier: AGPL-3.0-only

package parser

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/pattern"
	"github.com/linescript/linescript/pkg/types"
)

var ErrNotUnderstood = errors.New("can't understand this line")

// Error is returned when no registered syntax matches a line.
type Error struct {
	Line   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %q", ErrNotUnderstood, e.Line)
	}
	return fmt.Sprintf("%s: %q: %s", ErrNotUnderstood, e.Line, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrNotUnderstood
}

// Kind is the kind of syntax element owning a set of patterns.
type Kind int

const (
	KindEffect Kind = iota
	KindCondition
	KindExpression
)

var kinds = []Kind{KindEffect, KindCondition, KindExpression}

func (k Kind) String() string {
	switch k {
	case KindEffect:
		return "effect"
	case KindCondition:
		return "condition"
	case KindExpression:
		return "expression"
	default:
		return "unknown"
	}
}

// ParseKind parses the name of a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown syntax kind %q", s)
}

// InitFunc is called with a successful match. Returning false rejects the match, and the next pattern is tried.
type InitFunc func(el *ParsedElement) bool

// BuildFunc creates the expression an expression syntax stands for.
type BuildFunc func(el *ParsedElement) (types.Expression, bool)

// Syntax is a registered set of patterns owned by one syntax element.
type Syntax struct {
	Owner    string
	Kind     Kind
	Patterns []*pattern.Pattern

	// Priority orders syntaxes of the same kind: lower values are tried first. Syntaxes with equal priority
	// are tried in registration order.
	Priority int

	// ReturnType is the type produced by Build, for expression syntaxes.
	ReturnType *types.Type

	Init  InitFunc
	Build BuildFunc
}

type SyntaxOption func(*Syntax)

func WithPriority(priority int) SyntaxOption {
	return func(s *Syntax) {
		s.Priority = priority
	}
}

func WithInit(init InitFunc) SyntaxOption {
	return func(s *Syntax) {
		s.Init = init
	}
}

// WithBuild makes the syntax produce expressions of the given type.
func WithBuild(returnType *types.Type, build BuildFunc) SyntaxOption {
	return func(s *Syntax) {
		s.ReturnType = returnType
		s.Build = build
	}
}

// ParsedElement is a line, or part of one, matched by a syntax.
type ParsedElement struct {
	Syntax       *Syntax
	PatternIndex int
	Pattern      *pattern.Pattern
	Text         string

	Mark    int
	Choices []int
	Regexes []pattern.RegexMatch

	// Expressions is indexed like the pattern's placeholders. Optional placeholders that were left out are nil.
	Expressions []types.Expression

	// Defaulted marks the placeholders filled with their type's default expression.
	Defaulted []bool

	// Source is the source unit the line belongs to.
	Source string

	// Data is free for Init to store the element's state in.
	Data any
}

func (e *ParsedElement) Owner() string {
	return e.Syntax.Owner
}

// Expr returns the expression of placeholder i, or nil.
func (e *ParsedElement) Expr(i int) types.Expression {
	if i < 0 || i >= len(e.Expressions) {
		return nil
	}
	return e.Expressions[i]
}
