// Package entity models versioned records and their flush state.
//
// An Entity carries declared properties plus standard audit fields
// (creation, retirement, previous version). The flush state is a flat,
// ordered slice of values, one per schema property, which is what the
// persistence session diffs and what the mutation guard inspects.
//
// Entities are never physically deleted. Retiring ("voiding") an entity sets
// the retirement fields; a replacement points back at it through
// PreviousVersion. Chains are traversed backward only.
package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/vchain/internal/value"
)

// DigestDomain separates entity digests from any other hashed content.
const DigestDomain = "vchain/entity/v1"

// Entity is one persisted record of a typed entity.
type Entity struct {
	ID         int64
	UUID       string
	Type       string
	Properties value.Map

	Creator     string
	DateCreated time.Time

	Voided     bool
	VoidedBy   string
	DateVoided *time.Time
	VoidReason string

	PreviousVersion int64
}

// New creates an unsaved entity with a fresh UUID.
func New(typ string, props value.Map) *Entity {
	return &Entity{
		UUID:       uuid.NewString(),
		Type:       typ,
		Properties: props.Clone(),
	}
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Properties = e.Properties.Clone()
	if e.DateVoided != nil {
		t := *e.DateVoided
		c.DateVoided = &t
	}
	return &c
}

// Retired reports whether the entity is voided.
func (e *Entity) Retired() bool {
	return e.Voided
}

// Label renders "Type#ID" for logs and CLI output.
func (e *Entity) Label() string {
	return fmt.Sprintf("%s#%d", e.Type, e.ID)
}

// Digest returns a content digest over the type, declared properties, and
// version link. Audit fields that change on retirement are excluded, so a
// digest stays fixed for the lifetime of a record.
func (e *Entity) Digest() (string, error) {
	return value.Digest(DigestDomain, value.Map{
		"type":             value.String(e.Type),
		"uuid":             value.String(e.UUID),
		"properties":       e.Properties,
		"previous_version": refValue(e.PreviousVersion),
	})
}

// Validate checks declared properties against the schema.
func (e *Entity) Validate(s Schema) error {
	if e.Type != s.Type {
		return fmt.Errorf("entity type %q does not match schema %q", e.Type, s.Type)
	}
	for name, v := range e.Properties {
		p, ok := s.Declared(name)
		if !ok {
			return fmt.Errorf("%s: undeclared property %q", s.Type, name)
		}
		if err := checkKind(p.Kind, v); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Type, name, err)
		}
	}
	return nil
}

// State flattens the entity into schema order.
func (e *Entity) State(s Schema) []value.Value {
	state := make([]value.Value, 0, len(s.Properties)+len(auditProperties))
	for _, p := range s.Properties {
		v, ok := e.Properties[p.Name]
		if !ok || v == nil {
			v = value.Null{}
		}
		state = append(state, v)
	}
	return append(state,
		stringValue(e.Creator),
		timeValue(e.DateCreated),
		value.Bool(e.Voided),
		stringValue(e.VoidedBy),
		timePtrValue(e.DateVoided),
		stringValue(e.VoidReason),
		refValue(e.PreviousVersion),
	)
}

// ApplyState overwrites the entity from a flush state in schema order.
// Null declared properties are removed from Properties.
func (e *Entity) ApplyState(s Schema, state []value.Value) error {
	n := len(s.Properties)
	if len(state) != n+len(auditProperties) {
		return fmt.Errorf("%s: state has %d values, schema expects %d", s.Type, len(state), n+len(auditProperties))
	}

	props := make(value.Map, n)
	for i, p := range s.Properties {
		v := state[i]
		if value.IsNull(v) {
			continue
		}
		if err := checkKind(p.Kind, v); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Type, p.Name, err)
		}
		props[p.Name] = v
	}

	audit := state[n:]
	var err error
	next := *e
	next.Properties = props
	if next.Creator, err = asString(audit[0]); err != nil {
		return fmt.Errorf("%s: %w", PropCreator, err)
	}
	created, err := asTime(audit[1])
	if err != nil {
		return fmt.Errorf("%s: %w", PropDateCreated, err)
	}
	if created != nil {
		next.DateCreated = *created
	} else {
		next.DateCreated = time.Time{}
	}
	if next.Voided, err = asBool(audit[2]); err != nil {
		return fmt.Errorf("%s: %w", PropVoided, err)
	}
	if next.VoidedBy, err = asString(audit[3]); err != nil {
		return fmt.Errorf("%s: %w", PropVoidedBy, err)
	}
	if next.DateVoided, err = asTime(audit[4]); err != nil {
		return fmt.Errorf("%s: %w", PropDateVoided, err)
	}
	if next.VoidReason, err = asString(audit[5]); err != nil {
		return fmt.Errorf("%s: %w", PropVoidReason, err)
	}
	if next.PreviousVersion, err = asRef(audit[6]); err != nil {
		return fmt.Errorf("%s: %w", PropPreviousVersion, err)
	}

	*e = next
	return nil
}

// FormatTime encodes a time for flush state and storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime decodes a time produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// TimeValue encodes a time as a flush-state value.
func TimeValue(t time.Time) value.Value {
	return timeValue(t)
}

func timeValue(t time.Time) value.Value {
	if t.IsZero() {
		return value.Null{}
	}
	return value.String(FormatTime(t))
}

func timePtrValue(t *time.Time) value.Value {
	if t == nil {
		return value.Null{}
	}
	return timeValue(*t)
}

func stringValue(s string) value.Value {
	if s == "" {
		return value.Null{}
	}
	return value.String(s)
}

func refValue(id int64) value.Value {
	if id == 0 {
		return value.Null{}
	}
	return value.Int(id)
}

func asString(v value.Value) (string, error) {
	if value.IsNull(v) {
		return "", nil
	}
	s, ok := v.(value.String)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return string(s), nil
}

func asBool(v value.Value) (bool, error) {
	if value.IsNull(v) {
		return false, nil
	}
	b, ok := v.(value.Bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return bool(b), nil
}

func asRef(v value.Value) (int64, error) {
	if value.IsNull(v) {
		return 0, nil
	}
	n, ok := v.(value.Int)
	if !ok {
		return 0, fmt.Errorf("expected int, got %T", v)
	}
	return int64(n), nil
}

func asTime(v value.Value) (*time.Time, error) {
	if value.IsNull(v) {
		return nil, nil
	}
	s, ok := v.(value.String)
	if !ok {
		return nil, fmt.Errorf("expected time string, got %T", v)
	}
	t, err := ParseTime(string(s))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkKind(k Kind, v value.Value) error {
	if value.IsNull(v) {
		return nil
	}
	ok := false
	switch k {
	case KindString:
		_, ok = v.(value.String)
	case KindInt, KindRef:
		_, ok = v.(value.Int)
	case KindBool:
		_, ok = v.(value.Bool)
	case KindTime:
		if s, isString := v.(value.String); isString {
			_, err := ParseTime(string(s))
			ok = err == nil
		}
	case KindJSON:
		switch v.(type) {
		case value.Map, value.List:
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("value %T does not match kind %s", v, k)
	}
	return nil
}
