// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/text/cases"
)

var codeNamePattern = regexp.MustCompile(`^[a-z0-9]+$`)

// Pluralizer returns the plural spelling of a singular type name.
type Pluralizer func(singular string) string

// SimplePluralizer appends "s", or "es" after a sibilant ending.
func SimplePluralizer(singular string) string {
	for _, suffix := range []string{"s", "x", "z", "ch", "sh"} {
		if strings.HasSuffix(singular, suffix) {
			return singular + "es"
		}
	}
	return singular + "s"
}

// Registry holds every registered Type.
//
// Register and Freeze are not thread-safe and must only be called during start-up.
// Once frozen, the registry is read-only and safe for concurrent use without locking.
type Registry struct {
	logger    log.Logger
	pluralize Pluralizer

	types     []*Type
	sorted    []*Type
	byName    map[string]*Type
	byPlural  map[string]*Type
	byRuntime map[reflect.Type]*Type
	disabled  map[*Type]bool
	object    *Type

	frozen atomic.Bool
}

func NewRegistry(pluralize Pluralizer, logger log.Logger) *Registry {
	if pluralize == nil {
		pluralize = SimplePluralizer
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	r := &Registry{
		logger:    logger,
		pluralize: pluralize,
		byName:    map[string]*Type{},
		byPlural:  map[string]*Type{},
		byRuntime: map[reflect.Type]*Type{},
		disabled:  map[*Type]bool{},
	}
	r.object = &Type{CodeName: ObjectName, Plural: "objects"}
	if err := r.Register(r.object); err != nil {
		panic(err)
	}
	return r
}

func fold(s string) string {
	// A Caser is stateful, so one is created per call.
	return cases.Fold().String(strings.TrimSpace(s))
}

// Register adds t to the registry.
func (r *Registry) Register(t *Type) error {
	if r.frozen.Load() {
		return errors.Wrapf(ErrRegistrationClosed, "cannot register type %q", t.CodeName)
	}
	if !codeNamePattern.MatchString(t.CodeName) {
		return errors.Wrapf(ErrInvalidCodeName, "%q must only contain lowercase letters and digits", t.CodeName)
	}
	if _, exists := r.byName[t.CodeName]; exists {
		return errors.Wrapf(ErrDuplicateType, "%q", t.CodeName)
	}

	t.plural = t.Plural
	if t.plural == "" {
		t.plural = r.pluralize(t.CodeName)
	}
	t.index = len(r.types)

	r.types = append(r.types, t)
	r.byName[t.CodeName] = t
	if _, taken := r.byPlural[fold(t.plural)]; !taken {
		r.byPlural[fold(t.plural)] = t
	}
	if t.Runtime != nil {
		if _, taken := r.byRuntime[t.Runtime]; !taken {
			r.byRuntime[t.Runtime] = t
		}
	}
	return nil
}

// DisableParser makes Parse skip the named type. Unknown names are ignored. It must be called before Freeze.
func (r *Registry) DisableParser(name string) error {
	if r.frozen.Load() {
		return errors.Wrapf(ErrRegistrationClosed, "cannot disable the parser of %q", name)
	}
	if t, _ := r.LookupByName(name); t != nil {
		r.disabled[t] = true
	}
	return nil
}

// Freeze ends the registration phase and orders the types for literal parsing.
func (r *Registry) Freeze() error {
	if r.frozen.Load() {
		return nil
	}
	sorted, err := r.sortTypes()
	if err != nil {
		return err
	}
	r.sorted = sorted
	r.frozen.Store(true)
	level.Debug(r.logger).Log("msg", "type registry frozen", "types", len(r.types))
	return nil
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// sortTypes orders types so that each one comes after the types it must follow, subtypes before their
// supertypes, and otherwise in registration order.
func (r *Registry) sortTypes() ([]*Type, error) {
	n := len(r.types)
	succ := make([][]bool, n)
	for i := range succ {
		succ[i] = make([]bool, n)
	}
	indeg := make([]int, n)
	addEdge := func(from, to *Type) {
		if from == to || succ[from.index][to.index] {
			return
		}
		succ[from.index][to.index] = true
		indeg[to.index]++
	}

	for _, t := range r.types {
		for _, name := range t.Before {
			other, ok := r.byName[name]
			if !ok {
				level.Warn(r.logger).Log("msg", "type ordering refers to an unknown type", "type", t.CodeName, "before", name)
				continue
			}
			addEdge(t, other)
		}
		for _, name := range t.After {
			other, ok := r.byName[name]
			if !ok {
				level.Warn(r.logger).Log("msg", "type ordering refers to an unknown type", "type", t.CodeName, "after", name)
				continue
			}
			addEdge(other, t)
		}
		for _, other := range r.types {
			if other != t && other.IsSupertypeOf(t) && !t.IsSupertypeOf(other) {
				addEdge(t, other)
			}
		}
	}

	sorted := make([]*Type, 0, n)
	done := make([]bool, n)
	for len(sorted) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, t := range r.types {
				if !done[i] {
					cycle = append(cycle, t.CodeName)
				}
			}
			return nil, fmt.Errorf("circular type ordering between %s", strings.Join(cycle, ", "))
		}
		done[next] = true
		sorted = append(sorted, r.types[next])
		for j := 0; j < n; j++ {
			if succ[next][j] {
				indeg[j]--
			}
		}
	}
	return sorted, nil
}

// Object returns the built-in object type.
func (r *Registry) Object() *Type {
	return r.object
}

// Types returns all types, in parse order once the registry is frozen and in registration order before.
func (r *Registry) Types() []*Type {
	if r.frozen.Load() {
		return r.sorted
	}
	return r.types
}

// LookupByName finds a type by its singular or plural spelling, ignoring case.
// The returned flag reports whether the plural spelling was used.
func (r *Registry) LookupByName(name string) (*Type, bool) {
	folded := fold(name)
	if t, ok := r.byName[folded]; ok {
		return t, false
	}
	if t, ok := r.byPlural[folded]; ok {
		return t, true
	}
	return nil, false
}

// LookupByRuntimeType returns the type registered for exactly rt.
func (r *Registry) LookupByRuntimeType(rt reflect.Type) *Type {
	return r.byRuntime[rt]
}

// LookupByValue returns the type registered for v's runtime type, or else the first type in parse order
// that accepts v.
func (r *Registry) LookupByValue(v any) *Type {
	if v == nil {
		return nil
	}
	if t, ok := r.byRuntime[reflect.TypeOf(v)]; ok {
		return t
	}
	var fallback *Type
	for _, t := range r.Types() {
		if t.Accepts(v) {
			if !t.IsObject() {
				return t
			}
			fallback = t
		}
	}
	return fallback
}

// CommonSupertype returns the most specific registered type that is a supertype of all of ts.
func (r *Registry) CommonSupertype(ts ...*Type) *Type {
	if len(ts) == 0 {
		return r.object
	}
	for _, candidate := range ts {
		all := true
		for _, t := range ts {
			if !candidate.IsSupertypeOf(t) {
				all = false
				break
			}
		}
		if all {
			return candidate
		}
	}
	for _, candidate := range r.Types() {
		if candidate.IsObject() {
			continue
		}
		all := true
		for _, t := range ts {
			if !candidate.IsSupertypeOf(t) {
				all = false
				break
			}
		}
		if all {
			return candidate
		}
	}
	return r.object
}

// Parse parses text as a value of to, trying every subtype of to in parse order.
// Conversions are not consulted; see converters.Graph.Parse for that.
func (r *Registry) Parse(text string, to *Type, ctx ParseContext) (any, bool) {
	for _, t := range r.Types() {
		if !to.IsSupertypeOf(t) || r.disabled[t] || !t.Parser.supports(ctx) {
			continue
		}
		if v, ok := t.Parser.Parse(text, ctx); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
