package mapping

import (
	"fmt"
	"reflect"
	"sort"
)

// Hierarchy is a closed set of variants implementing one interface,
// selected by the value stored under a discriminator key.
type Hierarchy struct {
	Interface reflect.Type
	Field     string
	Variants  map[string]reflect.Type // discriminator value -> struct type
	// Default is used when a stored document carries no discriminator
	Default string
}

// Name returns the interface name
func (h *Hierarchy) Name() string {
	return h.Interface.String()
}

// ValueFor returns the discriminator value of a variant struct type
func (h *Hierarchy) ValueFor(t reflect.Type) (string, bool) {
	for v, vt := range h.Variants {
		if vt == t {
			return v, true
		}
	}
	return "", false
}

// Values returns the discriminator values in sorted order
func (h *Hierarchy) Values() []string {
	values := make([]string, 0, len(h.Variants))
	for v := range h.Variants {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

func (h *Hierarchy) validate() error {
	if h.Interface == nil || h.Interface.Kind() != reflect.Interface {
		return newError(fmt.Sprint(h.Interface), "", "hierarchy root must be an interface type")
	}
	if h.Field == "" {
		return newError(h.Name(), "", "hierarchy has no discriminator field")
	}
	if len(h.Variants) == 0 {
		return newError(h.Name(), "", "hierarchy has no variants")
	}
	for value, vt := range h.Variants {
		if vt.Kind() != reflect.Struct {
			return newError(h.Name(), "", "variant %q must be a struct type, got %s", value, vt)
		}
		if !reflect.PointerTo(vt).Implements(h.Interface) {
			return newError(h.Name(), "", "variant %q (*%s) does not implement %s", value, vt, h.Interface)
		}
	}
	if h.Default != "" {
		if _, ok := h.Variants[h.Default]; !ok {
			return newError(h.Name(), "", "default variant %q is not registered", h.Default)
		}
	}
	return nil
}

// WithHierarchy registers a polymorphic hierarchy
func WithHierarchy(h Hierarchy) Option {
	return func(c *Catalog) {
		hc := h
		hc.Variants = make(map[string]reflect.Type, len(h.Variants))
		for k, v := range h.Variants {
			hc.Variants[k] = v
		}
		c.hierarchies[h.Interface] = &hc
	}
}

// Polymorphic registers the variants of interface I. Variants are given as
// typed nil pointers keyed by discriminator value:
//
//	mapping.Polymorphic[Shape]("kind", map[string]any{
//		"circle": (*Circle)(nil),
//		"square": (*Square)(nil),
//	})
func Polymorphic[I any](field string, variants map[string]any) Option {
	h := Hierarchy{
		Interface: reflect.TypeOf((*I)(nil)).Elem(),
		Field:     field,
		Variants:  make(map[string]reflect.Type, len(variants)),
	}
	for value, v := range variants {
		t := reflect.TypeOf(v)
		for t != nil && t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		h.Variants[value] = t
	}
	return WithHierarchy(h)
}
