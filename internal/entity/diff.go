package entity

import "github.com/roach88/vchain/internal/value"

// PropertyDiff is the flush-time view of one dirty entity: parallel slices of
// property names, kinds, persisted values, and proposed values.
//
// Proposed may be rewritten in place by an interceptor; the session applies
// whatever Proposed holds once the interceptor reports a change.
type PropertyDiff struct {
	Schema   Schema
	Names    []string
	Kinds    []Kind
	Previous []value.Value
	Proposed []value.Value
}

// NewDiff builds a diff for schema s. previous and proposed are used as-is.
func NewDiff(s Schema, previous, proposed []value.Value) PropertyDiff {
	return PropertyDiff{
		Schema:   s,
		Names:    s.Names(),
		Kinds:    s.Kinds(),
		Previous: previous,
		Proposed: proposed,
	}
}

// Index returns the slot for name, or -1.
func (d PropertyDiff) Index(name string) int {
	for i, n := range d.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Changed returns the names of properties whose proposed value differs.
func (d PropertyDiff) Changed() []string {
	var names []string
	for i, n := range d.Names {
		if !value.Equal(d.Previous[i], d.Proposed[i]) {
			names = append(names, n)
		}
	}
	return names
}

// Dirty reports whether any slot differs.
func (d PropertyDiff) Dirty() bool {
	return !value.EqualSlices(d.Previous, d.Proposed)
}

// Set overwrites the proposed value for name. Unknown names are ignored.
func (d PropertyDiff) Set(name string, v value.Value) {
	if i := d.Index(name); i >= 0 {
		d.Proposed[i] = v
	}
}
