package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/policy"
)

func TestCompileEntityBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		entity: Obs: {
			properties: {
				concept:   string
				value:     int
				confirmed: bool
				observed:  "time"
				encounter: "ref"
				tags:      [...string]
				extra:     {...}
			}
		}
	`)
	require.NoError(t, v.Err())

	s, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Obs")))
	require.NoError(t, err)

	assert.Equal(t, "Obs", s.Type)
	assert.Equal(t, []entity.Property{
		{Name: "concept", Kind: entity.KindString},
		{Name: "value", Kind: entity.KindInt},
		{Name: "confirmed", Kind: entity.KindBool},
		{Name: "observed", Kind: entity.KindTime},
		{Name: "encounter", Kind: entity.KindRef},
		{Name: "tags", Kind: entity.KindJSON},
		{Name: "extra", Kind: entity.KindJSON},
	}, s.Properties)
}

func TestCompileEntityMissingProperties(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`entity: Bad: { note: "nothing here" }`)
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Bad")))
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "properties", ce.Field)
	assert.Contains(t, err.Error(), "required")
}

func TestCompileEntityEmptyProperties(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`entity: Empty: properties: {}`)
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Empty")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one property")
}

func TestCompileEntityRejectsFloats(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"float", `entity: F: properties: { weight: float }`},
		{"number", `entity: F: properties: { weight: number }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src)
			require.NoError(t, v.Err())
			_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.F")))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "float")
		})
	}
}

func TestCompileEntityUnknownKindName(t *testing.T) {
	v := cuecontext.New().CompileString(`entity: K: properties: { at: "timestamp" }`)
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.K")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid property kind")
}

func TestCompilePolicyDefaults(t *testing.T) {
	v := cuecontext.New().CompileString(`policy: Obs: {}`)
	require.NoError(t, v.Err())

	p, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy.Obs")))
	require.NoError(t, err)

	assert.Equal(t, "Obs", p.Type)
	assert.True(t, p.IgnoreRetired, "retired entities are exempt by default")
	assert.ElementsMatch(t, policy.RetirementFields, p.Mutable)
	assert.Equal(t, policy.DefaultVoidReason, p.Reason())
}

func TestCompilePolicyFull(t *testing.T) {
	v := cuecontext.New().CompileString(`
		policy: Obs: {
			mutable: ["comment", "voided"]
			ignore_retired: false
			void_reason: "Corrected"
		}
	`)
	require.NoError(t, v.Err())

	p, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy.Obs")))
	require.NoError(t, err)

	assert.False(t, p.IgnoreRetired)
	assert.True(t, p.IsMutable("comment"))
	assert.True(t, p.IsMutable(entity.PropVoidReason))
	assert.Len(t, p.Mutable, len(policy.RetirementFields)+1, "duplicates collapse")
	assert.Equal(t, "Corrected", p.Reason())
}

func TestCompilePolicyBadFields(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"mutable not list", `policy: P: { mutable: "comment" }`, "mutable"},
		{"mutable entry not string", `policy: P: { mutable: [1] }`, "mutable"},
		{"ignore_retired not bool", `policy: P: { ignore_retired: "yes" }`, "ignore_retired"},
		{"void_reason not string", `policy: P: { void_reason: 3 }`, "void_reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src)
			require.NoError(t, v.Err())
			_, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy.P")))
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

const clinicSource = `
entity: Obs: properties: {
	concept: string
	value:   int
	comment: string
}

entity: Note: properties: {
	text: string
}

policy: Obs: {
	mutable: ["comment"]
}
`

func TestCompileString(t *testing.T) {
	b, errs := CompileString(clinicSource, "clinic.cue")
	require.Empty(t, errs)

	require.Len(t, b.Schemas, 2)
	require.Len(t, b.Policies, 1)
	assert.Equal(t, "Obs", b.Schemas[0].Type)
	assert.Equal(t, "Note", b.Schemas[1].Type)

	catalog, err := b.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"Note", "Obs"}, catalog.Types())

	reg, err := b.Registry()
	require.NoError(t, err)
	p, ok := reg.Lookup("Obs")
	require.True(t, ok)
	assert.True(t, p.IsMutable("comment"))

	_, ok = b.Schema("Note")
	assert.True(t, ok)
	_, ok = b.Schema("Missing")
	assert.False(t, ok)

	assert.Empty(t, ValidateBundle(b))
}

func TestCompileStringCollectsAllErrors(t *testing.T) {
	b, errs := CompileString(`
		entity: A: properties: { x: float }
		entity: B: properties: {}
		entity: C: properties: { ok: string }
		policy: C: { ignore_retired: 1 }
	`, "bad.cue")

	require.Len(t, errs, 3)
	require.NotNil(t, b)
	assert.Len(t, b.Schemas, 1)

	var le *LabeledError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, "entity.A", le.Label)
	require.True(t, errors.As(errs[2], &le))
	assert.Equal(t, "policy.C", le.Label)

	var ce *CompileError
	assert.True(t, errors.As(errs[0], &ce))
}

func TestCompileStringSyntaxError(t *testing.T) {
	_, errs := CompileString(`entity: {`, "broken.cue")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "broken.cue")
}

func TestCompileErrorFormat(t *testing.T) {
	e := &CompileError{Field: "properties", Message: "properties are required"}
	assert.Equal(t, "properties: properties are required", e.Error())
}

func TestCompileFilesUnifies(t *testing.T) {
	dir := t.TempDir()
	schemas := filepath.Join(dir, "schemas.cue")
	policies := filepath.Join(dir, "policies.cue")
	require.NoError(t, os.WriteFile(schemas, []byte(`package clinic

entity: Obs: properties: { concept: string, value: int, comment: string }
`), 0o644))
	require.NoError(t, os.WriteFile(policies, []byte(`package clinic

policy: Obs: { mutable: ["comment"] }
`), 0o644))

	b, errs := CompileFiles([]string{schemas, policies})
	require.Empty(t, errs)
	require.Len(t, b.Schemas, 1)
	require.Len(t, b.Policies, 1)
	assert.True(t, b.Policies[0].IsMutable("comment"))
}

func TestCompileFilesMissing(t *testing.T) {
	_, errs := CompileFiles([]string{filepath.Join(t.TempDir(), "nope.cue")})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "nope.cue")
}
