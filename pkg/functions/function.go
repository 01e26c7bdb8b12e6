// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/linescript/linescript/pkg/types"
)

var (
	ErrDuplicateFunction  = errors.New("function already defined")
	ErrDuplicateParameter = errors.New("duplicate parameter name")
	ErrInvalidDeclaration = errors.New("invalid function declaration")
	ErrInvalidDefault     = errors.New("invalid default value")
	ErrFunctionNotFound   = errors.New("function not found")
)

// Body runs a function. params holds one slice per declared parameter. A parameter that was not given and has
// no default is nil.
type Body func(ctx types.Context, params [][]any) []any

// Parameter is a declared function parameter.
type Parameter struct {
	// Name is case-folded.
	Name   string
	Type   *types.Type
	Single bool

	// Default is evaluated on every call the parameter is left out of.
	Default types.Expression

	// AcceptsNone allows calls without a value for the parameter.
	AcceptsNone bool
}

func (p *Parameter) required() bool {
	return p.Default == nil && !p.AcceptsNone
}

func (p *Parameter) typeName() string {
	if p.Single {
		return p.Type.CodeName
	}
	return p.Type.PluralName()
}

func (p *Parameter) String() string {
	s := p.Name + ": " + p.typeName()
	if p.Default != nil {
		s += " = " + p.Default.String()
	}
	return s
}

// State is the lifecycle state of a Function.
type State int32

const (
	// StateDeclared functions are registered but have no body yet.
	StateDeclared State = iota
	StateActive
	// StateRedeclared functions were removed and replaced by a new declaration of the same name.
	StateRedeclared
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateDeclared:
		return "declared"
	case StateActive:
		return "active"
	case StateRedeclared:
		return "redeclared"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Function is a declared function. Script functions belong to a source unit; native functions are provided by
// the host and have no source.
type Function struct {
	Name   string
	Source string
	Params []*Parameter

	// ReturnType is nil for functions that do not return a value.
	ReturnType   *types.Type
	SingleReturn bool

	// IgnoreEmptyReturn makes an empty result count as a value.
	IgnoreEmptyReturn bool

	native bool
	body   atomic.Pointer[Body]
	state  atomic.Int32
}

// SetBody attaches the function's body and activates it.
func (f *Function) SetBody(body Body) {
	f.body.Store(&body)
	f.state.CompareAndSwap(int32(StateDeclared), int32(StateActive))
}

func (f *Function) State() State {
	return State(f.state.Load())
}

func (f *Function) Native() bool {
	return f.native
}

// MinParameters returns the number of arguments a call must give: everything up to the last required parameter.
func (f *Function) MinParameters() int {
	for i := len(f.Params) - 1; i >= 0; i-- {
		if f.Params[i].required() {
			return i + 1
		}
	}
	return 0
}

func (f *Function) MaxParameters() int {
	return len(f.Params)
}

func (f *Function) String() string {
	params := make([]string, 0, len(f.Params))
	for _, p := range f.Params {
		params = append(params, p.String())
	}
	s := fmt.Sprintf("function %s(%s)", f.Name, strings.Join(params, ", "))
	if f.ReturnType != nil {
		if f.SingleReturn {
			s += " :: " + f.ReturnType.CodeName
		} else {
			s += " :: " + f.ReturnType.PluralName()
		}
	}
	return s
}

// bindParams pads args to one entry per parameter, filling missing and empty ones from defaults. missing is
// true if a parameter still has no value, is required, and executeWithMissing is off.
func (f *Function) bindParams(ctx types.Context, args [][]any, executeWithMissing bool) (params [][]any, missing bool) {
	params = make([][]any, len(f.Params))
	for i, p := range f.Params {
		var val []any
		if i < len(args) {
			val = args[i]
		}
		if len(val) == 0 && p.Default != nil {
			val = p.Default.Array(ctx)
		}
		if len(val) == 0 {
			if !executeWithMissing && !p.AcceptsNone {
				return nil, true
			}
			val = nil
		}
		if p.Single && len(val) > 1 {
			val = val[:1]
		}
		params[i] = val
	}
	return params, false
}
