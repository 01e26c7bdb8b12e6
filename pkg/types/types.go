// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"reflect"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateType      = errors.New("type already registered")
	ErrInvalidCodeName    = errors.New("invalid type code name")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrChangeNotSupported = errors.New("change mode not supported")
)

// ObjectName is the code name of the built-in type every value belongs to.
const ObjectName = "object"

// ParseContext tells a type parser where the text it is given comes from.
type ParseContext int

const (
	ParseDefault ParseContext = iota
	ParseCommand
	ParseConfig
)

func (c ParseContext) String() string {
	switch c {
	case ParseDefault:
		return "default"
	case ParseCommand:
		return "command"
	case ParseConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Parser turns user text into a value of a Type.
type Parser struct {
	Parse func(text string, ctx ParseContext) (any, bool)

	// CanParse reports whether Parse may be used in the given context. Nil means every context.
	CanParse func(ctx ParseContext) bool

	// ToString renders a value of the type. Nil falls back to fmt.
	ToString func(v any) string
}

func (p *Parser) supports(ctx ParseContext) bool {
	return p != nil && p.Parse != nil && (p.CanParse == nil || p.CanParse(ctx))
}

// Serializer persists values of a Type. The core never calls it itself; hosts use it to store variables.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// Changer accepts mutation requests for values of a Type.
type Changer interface {
	// AcceptChange returns the types of delta values accepted for mode, or nil if mode is unsupported.
	AcceptChange(mode ChangeMode) []*Type
	Change(what []any, delta []any, mode ChangeMode) error
}

// Type is the registration record of one value type.
type Type struct {
	// CodeName is the unique key of the type. It must match [a-z0-9]+.
	CodeName string

	// Plural overrides the pluralizer for the plural spelling of CodeName.
	Plural string

	// Runtime is the Go type of the values. Nil means any value, and is only used by the object type.
	// Interface types are supertypes of every registered type implementing them.
	Runtime reflect.Type

	Parser     *Parser
	Serializer Serializer
	Changer    Changer

	// Default supplies the expression used when a placeholder of this type is left out of a line.
	Default func() Expression

	// Before and After name types that this type must be ordered before or after when parsing literals.
	Before []string
	After  []string

	plural string
	index  int
}

// PluralName returns the plural spelling resolved at registration.
func (t *Type) PluralName() string {
	if t.plural == "" {
		return t.CodeName
	}
	return t.plural
}

func (t *Type) String() string {
	return t.CodeName
}

// Accepts reports whether v is a value of t.
func (t *Type) Accepts(v any) bool {
	if v == nil {
		return false
	}
	if t.Runtime == nil {
		return true
	}
	return reflect.TypeOf(v).AssignableTo(t.Runtime)
}

// IsSupertypeOf reports whether every value of o is also a value of t.
func (t *Type) IsSupertypeOf(o *Type) bool {
	if t == o || t.Runtime == nil {
		return true
	}
	if o == nil || o.Runtime == nil {
		return false
	}
	return o.Runtime.AssignableTo(t.Runtime)
}

// Format renders v using the type's parser, if it has one.
func (t *Type) Format(v any) (string, bool) {
	if t.Parser == nil || t.Parser.ToString == nil {
		return "", false
	}
	return t.Parser.ToString(v), true
}

// IsObject reports whether t is the catch-all object type.
func (t *Type) IsObject() bool {
	return t.Runtime == nil
}

// AnySupertypeOf reports whether any of ts is a supertype of o.
func AnySupertypeOf(ts []*Type, o *Type) bool {
	for _, t := range ts {
		if t.IsSupertypeOf(o) {
			return true
		}
	}
	return false
}
