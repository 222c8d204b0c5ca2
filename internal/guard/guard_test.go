package guard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/policy"
	"github.com/roach88/vchain/internal/value"
)

var obsSchema = entity.Schema{
	Type: "Obs",
	Properties: []entity.Property{
		{Name: "value", Kind: entity.KindInt},
		{Name: "comment", Kind: entity.KindString},
	},
}

// flush returns the entity after applying edit plus the diff for it.
func flush(t *testing.T, e *entity.Entity, edit func(*entity.Entity)) (*entity.Entity, entity.PropertyDiff) {
	t.Helper()
	prev := e.State(obsSchema)
	next := e.Clone()
	edit(next)
	return next, entity.NewDiff(obsSchema, prev, next.State(obsSchema))
}

func committedObs() *entity.Entity {
	e := entity.New("Obs", value.Map{"value": value.Int(5)})
	e.ID = 42
	e.Creator = "alice"
	return e
}

func TestCheckFlush_MutableOnlyIsAllowed(t *testing.T) {
	g := New(policy.New("Obs", true, "comment"))
	e, diff := flush(t, committedObs(), func(e *entity.Entity) {
		e.Properties["comment"] = value.String("rechecked")
	})

	out := g.CheckFlush(e, 42, diff)
	assert.Equal(t, Allowed, out.Verdict)
	assert.True(t, out.Dirty)
	assert.NoError(t, out.Err())
	assert.Nil(t, out.Violation())
}

func TestCheckFlush_NoChangeIsClean(t *testing.T) {
	g := New(policy.New("Obs", true))
	e, diff := flush(t, committedObs(), func(*entity.Entity) {})

	out := g.CheckFlush(e, 42, diff)
	assert.Equal(t, Allowed, out.Verdict)
	assert.False(t, out.Dirty)
}

func TestCheckFlush_ImmutableChangeIsForbidden(t *testing.T) {
	g := New(policy.New("Obs", true, "comment"))
	e, diff := flush(t, committedObs(), func(e *entity.Entity) {
		e.Properties["value"] = value.Int(7)
		e.Properties["comment"] = value.String("fixed")
	})

	out := g.CheckFlush(e, 42, diff)
	require.Equal(t, Forbidden, out.Verdict)
	assert.True(t, out.Dirty)

	v := out.Violation()
	require.NotNil(t, v)
	assert.Same(t, e, v.Entity)
	assert.Equal(t, int64(42), v.ID)
	assert.Equal(t, []string{"value"}, v.Properties)
	assert.Equal(t, diff.Names, v.Diff.Names)

	err := out.Err()
	require.Error(t, err)
	assert.True(t, IsImmutablePropertyError(err))
	assert.True(t, IsImmutablePropertyError(fmt.Errorf("flush: %w", err)))
	assert.Contains(t, err.Error(), "Obs#42 (value)")
}

func TestCheckFlush_NullEqualsNull(t *testing.T) {
	g := New(policy.New("Obs", false))
	e := committedObs()
	diff := entity.NewDiff(obsSchema, e.State(obsSchema), e.State(obsSchema))
	diff.Proposed[1] = nil // comment: Null -> nil

	out := g.CheckFlush(e, 42, diff)
	assert.Equal(t, Allowed, out.Verdict)
	assert.False(t, out.Dirty)
}

func TestCheckFlush_OtherTypesPassThrough(t *testing.T) {
	g := New(policy.New("Encounter", false))
	e, diff := flush(t, committedObs(), func(e *entity.Entity) {
		e.Properties["value"] = value.Int(7)
	})

	out := g.CheckFlush(e, 42, diff)
	assert.Equal(t, Allowed, out.Verdict)
	assert.True(t, out.Dirty)
}

func TestCheckFlush_RetiredExemption(t *testing.T) {
	voided := committedObs()
	voided.Voided = true
	voided.VoidedBy = "alice"

	edit := func(e *entity.Entity) { e.Properties["value"] = value.Int(7) }

	t.Run("exempt when policy ignores retired", func(t *testing.T) {
		e, diff := flush(t, voided, edit)
		out := New(policy.New("Obs", true)).CheckFlush(e, 42, diff)
		assert.Equal(t, Allowed, out.Verdict)
		assert.True(t, out.Dirty)
	})

	t.Run("versioned when policy does not", func(t *testing.T) {
		e, diff := flush(t, voided, edit)
		out := New(policy.New("Obs", false)).CheckFlush(e, 42, diff)
		assert.Equal(t, Forbidden, out.Verdict)
	})
}

func TestCheckFlush_RetiringIsAllowed(t *testing.T) {
	g := New(policy.New("Obs", false))
	e, diff := flush(t, committedObs(), func(e *entity.Entity) {
		e.Voided = true
		e.VoidedBy = "bob"
		e.VoidReason = "entered in error"
	})

	out := g.CheckFlush(e, 42, diff)
	assert.Equal(t, Allowed, out.Verdict)
	assert.True(t, out.Dirty)
}

func TestCheckFlush_RetireAndEditInOneFlush(t *testing.T) {
	edit := func(e *entity.Entity) {
		e.Voided = true
		e.VoidedBy = "bob"
		e.VoidReason = "entered in error"
		e.Properties["value"] = value.Int(7)
	}

	t.Run("exempt when policy ignores retired", func(t *testing.T) {
		e, diff := flush(t, committedObs(), edit)
		out := New(policy.New("Obs", true)).CheckFlush(e, 42, diff)
		assert.Equal(t, Allowed, out.Verdict, "in-memory retirement exempts the same flush")
		assert.True(t, out.Dirty)
	})

	t.Run("versioned when policy does not", func(t *testing.T) {
		e, diff := flush(t, committedObs(), edit)
		out := New(policy.New("Obs", false)).CheckFlush(e, 42, diff)
		require.Equal(t, Forbidden, out.Verdict)
		assert.Equal(t, []string{"value"}, out.Violation().Properties)
	})
}

func TestCheckFlush_AuditFieldsAreImmutable(t *testing.T) {
	g := New(policy.New("Obs", false))
	e, diff := flush(t, committedObs(), func(e *entity.Entity) {
		e.Creator = "mallory"
	})

	out := g.CheckFlush(e, 42, diff)
	require.Equal(t, Forbidden, out.Verdict)
	assert.Equal(t, []string{entity.PropCreator}, out.Violation().Properties)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "forbidden", Forbidden.String())
}
