// Package guard classifies a flush diff against a protection policy.
//
// The guard is pure: it reads the diff and the entity, performs no writes,
// and never triggers a nested flush. Its result is a tagged Outcome that the
// caller branches on.
package guard

import (
	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/policy"
	"github.com/roach88/vchain/internal/value"
)

// Verdict tags an Outcome.
type Verdict int

const (
	// Allowed means the flush may proceed as proposed.
	Allowed Verdict = iota

	// Forbidden means an immutable property differs and the caller must
	// version the entity instead.
	Forbidden
)

func (v Verdict) String() string {
	if v == Forbidden {
		return "forbidden"
	}
	return "allowed"
}

// Outcome is the result of CheckFlush.
type Outcome struct {
	Verdict Verdict

	// Dirty reports whether the proposed state differs from the previous
	// state at all. Meaningful for Allowed outcomes.
	Dirty bool

	violation *ImmutablePropertyError
}

// Err returns the violation for Forbidden outcomes, nil otherwise.
func (o Outcome) Err() error {
	if o.violation == nil {
		return nil
	}
	return o.violation
}

// Violation returns the typed violation for Forbidden outcomes.
func (o Outcome) Violation() *ImmutablePropertyError {
	return o.violation
}

// Guard checks flushes of one governed type.
type Guard struct {
	policy policy.Policy
}

// New creates a guard for p.
func New(p policy.Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's policy.
func (g *Guard) Policy() policy.Policy {
	return g.policy
}

// CheckFlush classifies a flush of e.
func (g *Guard) CheckFlush(e *entity.Entity, id int64, diff entity.PropertyDiff) Outcome {
	dirty := diff.Dirty()
	if e == nil || e.Type != g.policy.Type {
		return Outcome{Verdict: Allowed, Dirty: dirty}
	}
	if g.policy.IgnoreRetired && e.Retired() {
		return Outcome{Verdict: Allowed, Dirty: dirty}
	}

	var changed []string
	for i, name := range diff.Names {
		if g.policy.IsMutable(name) {
			continue
		}
		if !value.Equal(diff.Previous[i], diff.Proposed[i]) {
			changed = append(changed, name)
		}
	}
	if len(changed) > 0 {
		return Outcome{
			Verdict:   Forbidden,
			Dirty:     true,
			violation: newImmutablePropertyError(e, id, diff, changed),
		}
	}
	return Outcome{Verdict: Allowed, Dirty: dirty}
}
