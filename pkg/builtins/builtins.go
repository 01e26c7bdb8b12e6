// SPDX-License-Identifier: AGPL-3.0-only

// Package builtins provides the types, converters and functions most hosts start from.
package builtins

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/linescript/linescript/pkg/converters"
	"github.com/linescript/linescript/pkg/functions"
	"github.com/linescript/linescript/pkg/types"
)

// Registrar is where builtins are registered. *engine.Engine implements it.
type Registrar interface {
	RegisterType(t *types.Type) error
	RegisterConverter(from, to *types.Type, fn converters.Func, opts ...converters.Option) error
	RegisterNativeFunction(signature string, body functions.Body) (*functions.Function, error)
}

// Types are the registered builtin types.
type Types struct {
	Text     *types.Type
	Boolean  *types.Type
	Integer  *types.Type
	Number   *types.Type
	Timespan *types.Type
}

// Register registers the builtin types, their converters and the builtin functions. It must be called during
// start-up, before the registrar is frozen.
func Register(r Registrar) (*Types, error) {
	t, err := RegisterTypes(r)
	if err != nil {
		return nil, err
	}
	if err := RegisterFunctions(r); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterTypes registers the builtin types and their converters.
func RegisterTypes(r Registrar) (*Types, error) {
	t := &Types{
		Text:     newText(),
		Boolean:  newBoolean(),
		Integer:  newInteger(),
		Number:   newNumber(),
		Timespan: newTimespan(),
	}
	for _, typ := range []*types.Type{t.Text, t.Boolean, t.Integer, t.Number, t.Timespan} {
		if err := r.RegisterType(typ); err != nil {
			return nil, errors.Wrap(err, "failed to register builtin type")
		}
	}

	convs := []struct {
		from, to *types.Type
		fn       converters.Func
		opts     []converters.Option
	}{
		{from: t.Integer, to: t.Number, fn: func(v any) (any, bool) {
			n, ok := v.(int64)
			return float64(n), ok
		}},
		{from: t.Number, to: t.Integer, fn: func(v any) (any, bool) {
			f, ok := v.(float64)
			if !ok || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, false
			}
			return int64(f), true
		}},
		// Timespans are numbers of seconds, but numbers are not timespans without a unit.
		{from: t.Timespan, to: t.Number, fn: func(v any) (any, bool) {
			d, ok := v.(time.Duration)
			return d.Seconds(), ok
		}, opts: []converters.Option{converters.NoLeftChaining}},
	}
	for _, c := range convs {
		if err := r.RegisterConverter(c.from, c.to, c.fn, c.opts...); err != nil {
			return nil, errors.Wrap(err, "failed to register builtin converter")
		}
	}
	return t, nil
}
