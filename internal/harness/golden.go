package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/value"
)

// EntitySnapshot renders a stored record for assertions and golden files.
// UUIDs and digests are left out because they are random per run.
// Unset audit fields are null and therefore omitted from canonical JSON.
func EntitySnapshot(e *entity.Entity) value.Map {
	props := e.Properties
	if props == nil {
		props = value.Map{}
	}
	return value.Map{
		"id":                       value.Int(e.ID),
		"type":                     value.String(e.Type),
		"properties":               props,
		entity.PropCreator:         nullableString(e.Creator),
		entity.PropDateCreated:     entity.TimeValue(e.DateCreated),
		entity.PropVoided:          value.Bool(e.Voided),
		entity.PropVoidedBy:        nullableString(e.VoidedBy),
		entity.PropDateVoided:      nullableTime(e),
		entity.PropVoidReason:      nullableString(e.VoidReason),
		entity.PropPreviousVersion: nullableRef(e.PreviousVersion),
	}
}

// Snapshot renders a whole run. Transaction error text is left out; only
// the outcome is recorded.
func Snapshot(name string, result *Result) value.Map {
	outcomes := make(value.List, len(result.Outcomes))
	for i, o := range result.Outcomes {
		outcomes[i] = value.Map{
			"index":   value.Int(o.Index),
			"as":      nullableString(o.As),
			"outcome": value.String(o.Outcome),
		}
	}
	entities := make(value.List, len(result.Entities))
	for i, e := range result.Entities {
		entities[i] = EntitySnapshot(e)
	}
	return value.Map{
		"scenario_name": value.String(name),
		"outcomes":      outcomes,
		"entities":      entities,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario cannot be executed. A snapshot mismatch
// fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the golden file for
// scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := value.MarshalCanonical(Snapshot(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

func nullableString(s string) value.Value {
	if s == "" {
		return value.Null{}
	}
	return value.String(s)
}

func nullableRef(id int64) value.Value {
	if id == 0 {
		return value.Null{}
	}
	return value.Int(id)
}

func nullableTime(e *entity.Entity) value.Value {
	if e.DateVoided == nil {
		return value.Null{}
	}
	return entity.TimeValue(*e.DateVoided)
}
