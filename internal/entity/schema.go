package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Kind is the declared type of an entity property.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindTime   Kind = "time" // RFC 3339 string in flush state
	KindRef    Kind = "ref"  // id of another entity
	KindJSON   Kind = "json" // arbitrary list or map
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindString, KindInt, KindBool, KindTime, KindRef, KindJSON:
		return k, nil
	default:
		return "", fmt.Errorf("invalid property kind %q: must be string, int, bool, time, ref, or json", s)
	}
}

// Standard audit properties appended to every schema's flush state.
const (
	PropCreator         = "creator"
	PropDateCreated     = "date_created"
	PropVoided          = "voided"
	PropVoidedBy        = "voided_by"
	PropDateVoided      = "date_voided"
	PropVoidReason      = "void_reason"
	PropPreviousVersion = "previous_version"
)

var auditProperties = []Property{
	{Name: PropCreator, Kind: KindString},
	{Name: PropDateCreated, Kind: KindTime},
	{Name: PropVoided, Kind: KindBool},
	{Name: PropVoidedBy, Kind: KindString},
	{Name: PropDateVoided, Kind: KindTime},
	{Name: PropVoidReason, Kind: KindString},
	{Name: PropPreviousVersion, Kind: KindRef},
}

// IsAuditProperty reports whether name is one of the standard audit properties.
func IsAuditProperty(name string) bool {
	for _, p := range auditProperties {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Property is one named, typed property of a schema.
type Property struct {
	Name string
	Kind Kind
}

// Schema declares the properties of one entity type.
type Schema struct {
	Type       string
	Properties []Property
}

// Validate checks the schema is well formed.
func (s Schema) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("schema type is required")
	}
	seen := make(map[string]bool, len(s.Properties))
	for _, p := range s.Properties {
		if p.Name == "" {
			return fmt.Errorf("schema %s: property name is required", s.Type)
		}
		if IsAuditProperty(p.Name) {
			return fmt.Errorf("schema %s: property %q is reserved", s.Type, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("schema %s: duplicate property %q", s.Type, p.Name)
		}
		seen[p.Name] = true
		if _, err := ParseKind(string(p.Kind)); err != nil {
			return fmt.Errorf("schema %s: property %q: %w", s.Type, p.Name, err)
		}
	}
	return nil
}

// all returns declared properties followed by the audit properties.
func (s Schema) all() []Property {
	out := make([]Property, 0, len(s.Properties)+len(auditProperties))
	out = append(out, s.Properties...)
	return append(out, auditProperties...)
}

// Names returns the flush-state property names in order.
func (s Schema) Names() []string {
	props := s.all()
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	return names
}

// Kinds returns the flush-state property kinds, parallel to Names.
func (s Schema) Kinds() []Kind {
	props := s.all()
	kinds := make([]Kind, len(props))
	for i, p := range props {
		kinds[i] = p.Kind
	}
	return kinds
}

// Declared returns the declared property with the given name.
func (s Schema) Declared(name string) (Property, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Catalog maps entity type tags to schemas. Populated at startup.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewCatalog creates a catalog holding the given schemas.
func NewCatalog(schemas ...Schema) (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]Schema)}
	for _, s := range schemas {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a schema. Types may be registered only once.
func (c *Catalog) Add(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.schemas[s.Type]; exists {
		return fmt.Errorf("schema %s already registered", s.Type)
	}
	c.schemas[s.Type] = s
	return nil
}

// Lookup returns the schema for a type tag.
func (c *Catalog) Lookup(typ string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[typ]
	return s, ok
}

// Types returns the registered type tags, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.schemas))
	for t := range c.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
