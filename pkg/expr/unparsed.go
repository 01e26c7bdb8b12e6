// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/types"
)

// ReparseFunc parses text as an expression of one of the given types.
type ReparseFunc func(text string, to ...*types.Type) (types.Expression, bool)

// Unparsed is text that was accepted where any object is allowed but that no type could parse on its own.
// It only yields values once converted to a concrete type, at which point the text is parsed again.
type Unparsed struct {
	text    string
	object  *types.Type
	reparse ReparseFunc
}

func NewUnparsed(text string, object *types.Type, reparse ReparseFunc) *Unparsed {
	return &Unparsed{text: text, object: object, reparse: reparse}
}

func (u *Unparsed) Text() string { return u.text }

func (u *Unparsed) ReturnType() *types.Type { return u.object }

func (u *Unparsed) IsSingle() bool { return true }

func (u *Unparsed) And() bool { return true }

func (u *Unparsed) Array(types.Context) []any { return nil }

func (u *Unparsed) All(types.Context) []any { return nil }

func (u *Unparsed) Single(types.Context) (any, bool) { return nil, false }

func (u *Unparsed) Check(types.Context, func(any) bool, bool) bool { return false }

func (u *Unparsed) Iterate(types.Context) iter.Seq[any] { return seq(nil) }

func (u *Unparsed) ConvertTo(_ types.Converter, to ...*types.Type) (types.Expression, bool) {
	for _, t := range to {
		if t.IsObject() {
			return u, true
		}
	}
	if u.reparse == nil {
		return nil, false
	}
	return u.reparse(u.text, to...)
}

func (u *Unparsed) AcceptChange(types.ChangeMode) []*types.Type { return nil }

func (u *Unparsed) Change(types.Context, []any, types.ChangeMode) error {
	return errors.Wrapf(types.ErrChangeNotSupported, "%q has not been parsed", u.text)
}

func (u *Unparsed) String() string { return u.text }
