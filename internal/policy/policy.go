// Package policy declares which properties of a protected entity type may be
// changed after the entity is first committed.
//
// A Policy is a pure declaration. Everything not on its Mutable allow-list is
// immutable; changing an immutable property spins off a new version instead
// of updating the record in place.
package policy

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/vchain/internal/entity"
)

// DefaultVoidReason is stamped on records retired by versioning when the
// policy does not name its own reason.
const DefaultVoidReason = "Voided and replaced with a new version"

// RetirementFields are the properties written when a record is retired.
var RetirementFields = []string{
	entity.PropVoided,
	entity.PropVoidedBy,
	entity.PropDateVoided,
	entity.PropVoidReason,
}

// Policy governs one entity type.
type Policy struct {
	// Type is the entity type tag this policy governs.
	Type string

	// Mutable lists properties that may change freely after commit.
	Mutable []string

	// IgnoreRetired exempts already-retired entities from the guard so their
	// retirement metadata can still be corrected.
	IgnoreRetired bool

	// VoidReason is written to retired originals. Empty means DefaultVoidReason.
	VoidReason string
}

// New returns a policy whose allow-list is the retirement fields plus extra.
func New(typ string, ignoreRetired bool, extra ...string) Policy {
	return Policy{Type: typ, Mutable: withRetirement(extra), IgnoreRetired: ignoreRetired}
}

func withRetirement(names []string) []string {
	mutable := slices.Clone(RetirementFields)
	for _, name := range names {
		if !slices.Contains(mutable, name) {
			mutable = append(mutable, name)
		}
	}
	return mutable
}

// IsMutable reports whether name is on the allow-list.
func (p Policy) IsMutable(name string) bool {
	return slices.Contains(p.Mutable, name)
}

// Reason returns the void reason to stamp on retired originals.
func (p Policy) Reason() string {
	if p.VoidReason == "" {
		return DefaultVoidReason
	}
	return p.VoidReason
}

// Validate checks the policy against the schema of its type.
func (p Policy) Validate(s entity.Schema) error {
	if p.Type == "" {
		return fmt.Errorf("policy type is required")
	}
	if p.Type != s.Type {
		return fmt.Errorf("policy %s checked against schema %s", p.Type, s.Type)
	}
	for _, name := range p.Mutable {
		if entity.IsAuditProperty(name) {
			continue
		}
		if _, ok := s.Declared(name); !ok {
			return fmt.Errorf("policy %s: mutable property %q is not declared", p.Type, name)
		}
	}
	return nil
}

// Registry maps entity type tags to policies.
// Populated at startup and read on every flush.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates a registry holding the given policies.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy)}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a policy. A type may be registered only once. The stored
// allow-list always includes RetirementFields.
func (r *Registry) Register(p Policy) error {
	if p.Type == "" {
		return fmt.Errorf("policy type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.Type]; exists {
		return fmt.Errorf("policy for %s already registered", p.Type)
	}
	p.Mutable = withRetirement(p.Mutable)
	r.policies[p.Type] = p
	return nil
}

// Lookup returns the policy governing typ.
func (r *Registry) Lookup(typ string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[typ]
	return p, ok
}

// Types returns the governed type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.policies))
	for t := range r.policies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
