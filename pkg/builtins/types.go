// SPDX-License-Identifier: AGPL-3.0-only

package builtins

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"

	"github.com/linescript/linescript/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonSerializer stores values of type T as JSON.
type jsonSerializer[T any] struct{}

func (jsonSerializer[T]) Serialize(v any) ([]byte, error) {
	t, ok := v.(T)
	if !ok {
		return nil, errors.Errorf("cannot serialize %T", v)
	}
	return json.Marshal(t)
}

func (jsonSerializer[T]) Deserialize(data []byte) (any, error) {
	var t T
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize value")
	}
	return t, nil
}

// durationSerializer stores timespans in their text form, e.g. "1h30m".
type durationSerializer struct{}

func (durationSerializer) Serialize(v any) ([]byte, error) {
	d, ok := v.(time.Duration)
	if !ok {
		return nil, errors.Errorf("cannot serialize %T", v)
	}
	return json.Marshal(model.Duration(d).String())
}

func (durationSerializer) Deserialize(data []byte) (any, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize timespan")
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deserialize timespan")
	}
	return time.Duration(d), nil
}

func newText() *types.Type {
	return &types.Type{
		CodeName:   "text",
		Plural:     "texts",
		Runtime:    reflect.TypeOf(""),
		Serializer: jsonSerializer[string]{},
	}
}

func newBoolean() *types.Type {
	return &types.Type{
		CodeName: "boolean",
		Plural:   "booleans",
		Runtime:  reflect.TypeOf(false),
		Parser: &types.Parser{
			Parse: func(text string, _ types.ParseContext) (any, bool) {
				switch strings.ToLower(text) {
				case "true", "yes", "on":
					return true, true
				case "false", "no", "off":
					return false, true
				}
				return nil, false
			},
			ToString: func(v any) string { return strconv.FormatBool(v.(bool)) },
		},
		Serializer: jsonSerializer[bool]{},
	}
}

func newInteger() *types.Type {
	return &types.Type{
		CodeName: "integer",
		Plural:   "integers",
		Runtime:  reflect.TypeOf(int64(0)),
		Parser: &types.Parser{
			Parse: func(text string, _ types.ParseContext) (any, bool) {
				n, err := strconv.ParseInt(text, 10, 64)
				return n, err == nil
			},
			ToString: func(v any) string { return strconv.FormatInt(v.(int64), 10) },
		},
		Serializer: jsonSerializer[int64]{},
		Before:     []string{"number"},
	}
}

func newNumber() *types.Type {
	return &types.Type{
		CodeName: "number",
		Plural:   "numbers",
		Runtime:  reflect.TypeOf(float64(0)),
		Parser: &types.Parser{
			Parse: func(text string, _ types.ParseContext) (any, bool) {
				f, err := strconv.ParseFloat(text, 64)
				if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
					return nil, false
				}
				return f, true
			},
			ToString: func(v any) string { return strconv.FormatFloat(v.(float64), 'f', -1, 64) },
		},
		Serializer: jsonSerializer[float64]{},
	}
}

func newTimespan() *types.Type {
	return &types.Type{
		CodeName: "timespan",
		Plural:   "timespans",
		Runtime:  reflect.TypeOf(time.Duration(0)),
		Parser: &types.Parser{
			Parse: func(text string, _ types.ParseContext) (any, bool) {
				d, err := model.ParseDuration(text)
				if err != nil {
					return nil, false
				}
				return time.Duration(d), true
			},
			ToString: func(v any) string { return model.Duration(v.(time.Duration)).String() },
		},
		Serializer: durationSerializer{},
	}
}
