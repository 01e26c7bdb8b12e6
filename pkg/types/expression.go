// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"iter"
)

// Context is the evaluation context supplied by the host. The core passes it through unmodified.
type Context = any

// ChangeMode is the kind of mutation requested from an Expression.
type ChangeMode int

const (
	ChangeSet ChangeMode = iota
	ChangeAdd
	ChangeRemove
	ChangeRemoveAll
	ChangeDelete
	ChangeReset
)

var ChangeModes = []ChangeMode{ChangeSet, ChangeAdd, ChangeRemove, ChangeRemoveAll, ChangeDelete, ChangeReset}

func (m ChangeMode) String() string {
	switch m {
	case ChangeSet:
		return "set"
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeRemoveAll:
		return "remove all"
	case ChangeDelete:
		return "delete"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// TakesDelta reports whether the mode is applied with delta values.
func (m ChangeMode) TakesDelta() bool {
	return m != ChangeDelete && m != ChangeReset
}

// Converter converts values between registered types.
type Converter interface {
	// Convert converts v to a value of to. It returns false if no conversion path exists or the conversion failed.
	Convert(v any, to *Type) (any, bool)

	// Exists reports whether values of from can be converted to to.
	Exists(from, to *Type) bool
}

// Expression produces values of its return type for a given evaluation context.
//
// Array never contains nil elements. An empty result is "no value".
type Expression interface {
	ReturnType() *Type

	// IsSingle reports whether the expression produces at most one value.
	IsSingle() bool

	// And reports whether multiple values are joined with "and" (all of them) rather than "or" (one of them).
	And() bool

	// Array returns the values for ctx. For "or" expressions it returns one randomly picked value.
	Array(ctx Context) []any

	// All returns every value for ctx regardless of and/or semantics.
	All(ctx Context) []any

	// Single returns one value: the sole value of single expressions, a random one for "or" expressions.
	Single(ctx Context) (any, bool)

	// Check applies pred, negated per value, to the values and combines the results with and/or.
	Check(ctx Context, pred func(any) bool, negated bool) bool

	// Iterate returns a fresh sequence over the values for ctx.
	Iterate(ctx Context) iter.Seq[any]

	// ConvertTo returns a view of the expression producing values of one of the given types.
	ConvertTo(conv Converter, to ...*Type) (Expression, bool)

	// AcceptChange returns the types accepted as delta for mode, or nil if the mode is unsupported.
	AcceptChange(mode ChangeMode) []*Type

	// Change applies mode to the expression. Calling it with a mode AcceptChange rejected returns ErrChangeNotSupported.
	Change(ctx Context, delta []any, mode ChangeMode) error

	String() string
}

// TimeSensitive is implemented by expressions that can refer to a past or future state of their values.
type TimeSensitive interface {
	SetTime(time int) bool
}
