package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSpec writes a small CUE spec into dir/specs.
func createTestSpec(t *testing.T, dir, name string) string {
	t.Helper()
	specsDir := filepath.Join(dir, "specs")
	require.NoError(t, os.MkdirAll(specsDir, 0755))
	specPath := filepath.Join(specsDir, name)
	src := `entity: Obs: properties: { concept: string, value: int }`
	require.NoError(t, os.WriteFile(specPath, []byte(src), 0644))
	return specPath
}

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	createTestSpec(t, dir, "obs.cue")

	path := writeScenario(t, dir, `
name: test_scenario
description: "Test scenario for validation"
specs:
  - specs/obs.cue
setup:
  - create: Obs
    id: 7
    properties: { concept: weight, value: 5 }
transactions:
  - as: bob
    steps:
      - edit: 7
        set: { value: 6 }
assertions:
  - type: count
    count: 2
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{filepath.Join(dir, "specs", "obs.cue")}, scenario.Specs)
	require.Len(t, scenario.Setup, 1)
	assert.Equal(t, OpCreate, scenario.Setup[0].Op())
	assert.Equal(t, int64(7), scenario.Setup[0].ID)
	assert.Equal(t, "weight", scenario.Setup[0].Properties["concept"])
	require.Len(t, scenario.Transactions, 1)
	assert.Equal(t, "bob", scenario.Transactions[0].As)
	assert.Equal(t, OpEdit, scenario.Transactions[0].Steps[0].Op())
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Equal(t, 2, *scenario.Assertions[0].Count)
}

func TestLoadScenario_WithBasePath(t *testing.T) {
	dir := t.TempDir()
	createTestSpec(t, dir, "obs.cue")
	scenarioDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarioDir, 0755))

	path := writeScenario(t, scenarioDir, `
name: based
description: "Specs resolve against an explicit base"
specs: [specs/obs.cue]
transactions:
  - steps:
      - create: Obs
        properties: { concept: pulse }
assertions:
  - type: scopes_empty
`)

	scenario, err := LoadScenarioWithBasePath(path, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "specs", "obs.cue"), scenario.Specs[0])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MissingSpecFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: missing_spec
description: "Spec file does not exist"
specs: [specs/nope.cue]
transactions:
  - steps:
      - flush: true
assertions:
  - type: scopes_empty
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "specs[0]")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: typo
description: "Unknown fields are rejected"
spec: "entity: Obs: properties: { concept: string }"
transactions:
  - steps:
      - flush: true
assertion:
  - type: scopes_empty
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const head = `
name: v
description: d
spec: "entity: Obs: properties: { concept: string }"
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nspec: x\ntransactions: [{steps: [{flush: true}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nspec: x\ntransactions: [{steps: [{flush: true}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "description is required",
		},
		{
			name:    "missing spec",
			yaml:    "name: n\ndescription: d\ntransactions: [{steps: [{flush: true}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "spec or specs is required",
		},
		{
			name:    "no transactions",
			yaml:    head + "assertions: [{type: scopes_empty}]",
			wantErr: "at least one transaction",
		},
		{
			name:    "no assertions",
			yaml:    head + "transactions: [{steps: [{flush: true}]}]",
			wantErr: "at least one assertion",
		},
		{
			name:    "empty transaction",
			yaml:    head + "transactions: [{as: bob}]\nassertions: [{type: scopes_empty}]",
			wantErr: "transactions[0]: at least one step",
		},
		{
			name:    "step with two operations",
			yaml:    head + "transactions: [{steps: [{edit: 1, void: 1, reason: r}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "exactly one of",
		},
		{
			name:    "step with no operation",
			yaml:    head + "transactions: [{steps: [{reason: r}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "exactly one of",
		},
		{
			name:    "edit without set",
			yaml:    head + "transactions: [{steps: [{edit: 1}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "edit requires set",
		},
		{
			name:    "void without reason",
			yaml:    head + "transactions: [{steps: [{void: 1}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "void requires reason",
		},
		{
			name:    "id on edit",
			yaml:    head + "transactions: [{steps: [{edit: 1, id: 2, set: {value: 1}}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "only valid on create",
		},
		{
			name:    "fail with expect_error",
			yaml:    head + "transactions: [{fail: true, expect_error: x, steps: [{flush: true}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "mutually exclusive",
		},
		{
			name:    "invalid nested",
			yaml:    head + "transactions: [{steps: [{nested: {steps: []}}]}]\nassertions: [{type: scopes_empty}]",
			wantErr: "steps[0].nested: at least one step",
		},
		{
			name:    "unknown assertion",
			yaml:    head + "transactions: [{steps: [{flush: true}]}]\nassertions: [{type: trace_contains}]",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "entity without expect",
			yaml:    head + "transactions: [{steps: [{flush: true}]}]\nassertions: [{type: entity, id: 1}]",
			wantErr: "entity requires id and expect",
		},
		{
			name:    "chain without ids",
			yaml:    head + "transactions: [{steps: [{flush: true}]}]\nassertions: [{type: chain, id: 1}]",
			wantErr: "chain requires id and ids",
		},
		{
			name:    "count without count",
			yaml:    head + "transactions: [{steps: [{flush: true}]}]\nassertions: [{type: count}]",
			wantErr: "count requires count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_CountZero(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: zero
description: "count: 0 is a real expectation"
spec: "entity: Obs: properties: { concept: string }"
transactions: [{steps: [{flush: true}]}]
assertions: [{type: count, count: 0}]
`))
	require.NoError(t, err)
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Equal(t, 0, *scenario.Assertions[0].Count)
}

func TestStepOp(t *testing.T) {
	assert.Equal(t, OpCreate, Step{Create: "Obs"}.Op())
	assert.Equal(t, OpEdit, Step{Edit: 1, Set: map[string]any{"value": 1}}.Op())
	assert.Equal(t, OpVoid, Step{Void: 1, Reason: "r"}.Op())
	assert.Equal(t, OpFlush, Step{Flush: true}.Op())
	assert.Equal(t, OpNested, Step{Nested: &Transaction{}}.Op())
	assert.Equal(t, "", Step{}.Op())
	assert.Equal(t, "", Step{Create: "Obs", Flush: true}.Op())
}
