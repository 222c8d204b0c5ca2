package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/session"
	"github.com/roach88/vchain/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes the stored records to help debug the failure.
type AssertionError struct {
	Type     string           // Assertion type for categorization
	Expected string           // Human-readable expected outcome
	Actual   string           // Human-readable actual outcome
	Entities []*entity.Entity // Store contents for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Entities) > 0 {
		fmt.Fprintf(&buf, "\nStored records:\n")
		for _, ent := range e.Entities {
			status := "active"
			if ent.Voided {
				status = "voided"
			}
			fmt.Fprintf(&buf, "  %s %s prev=%d %s\n", ent.Label(), status, ent.PreviousVersion, formatValue(ent.Properties))
		}
	}

	return buf.String()
}

// AssertionContext gives assertions access to the session.
type AssertionContext struct {
	Session *session.Session
	Ctx     context.Context
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. An empty slice means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEntity:
			err = assertEntity(result, assertion)
		case AssertChain:
			if actx == nil || actx.Session == nil {
				err = fmt.Errorf("assertion[%d]: chain requires a session", i)
			} else {
				err = assertChain(actx, result, assertion)
			}
		case AssertCount:
			err = assertCount(result, assertion)
		case AssertActive:
			err = assertActive(result, assertion)
		case AssertScopesEmpty:
			err = assertScopesEmpty(result)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertEntity subset-matches the expected fields against a stored record.
func assertEntity(result *Result, a Assertion) error {
	e := result.Entity(a.ID)
	if e == nil {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("record #%d", a.ID),
			Actual:   "no such record",
			Entities: result.Entities,
		}
	}

	snapshot := EntitySnapshot(e)
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path, ok := matchSubset(snapshot[k], a.Expect[k], k)
		if !ok {
			return &AssertionError{
				Type:     AssertEntity,
				Expected: fmt.Sprintf("%s#%d %s = %s", e.Type, a.ID, path, formatExpected(a.Expect[k], path)),
				Actual:   fmt.Sprintf("%s = %s", path, formatValue(lookupPath(snapshot, path))),
				Entities: result.Entities,
			}
		}
	}
	return nil
}

// assertChain compares the version chain ending at a.ID, newest first.
func assertChain(actx *AssertionContext, result *Result, a Assertion) error {
	chain, err := actx.Session.History(actx.Ctx, a.ID)
	if err != nil {
		return &AssertionError{
			Type:     AssertChain,
			Expected: fmt.Sprintf("chain %v", a.IDs),
			Actual:   fmt.Sprintf("error: %v", err),
			Entities: result.Entities,
		}
	}

	ids := make([]int64, len(chain))
	for i, e := range chain {
		ids[i] = e.ID
	}
	if !slices.Equal(ids, a.IDs) {
		return &AssertionError{
			Type:     AssertChain,
			Expected: fmt.Sprintf("chain from #%d = %v", a.ID, a.IDs),
			Actual:   fmt.Sprintf("chain from #%d = %v", a.ID, ids),
			Entities: result.Entities,
		}
	}
	return nil
}

// assertCount checks the number of stored records.
func assertCount(result *Result, a Assertion) error {
	n := 0
	for _, e := range result.Entities {
		if a.EntityType == "" || e.Type == a.EntityType {
			n++
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d %s", *a.Count, describeType(a.EntityType)),
			Actual:   fmt.Sprintf("%d %s", n, describeType(a.EntityType)),
			Entities: result.Entities,
		}
	}
	return nil
}

// assertActive checks exactly which records are not voided.
func assertActive(result *Result, a Assertion) error {
	ids := []int64{}
	for _, e := range result.Entities {
		if e.Voided {
			continue
		}
		if a.EntityType == "" || e.Type == a.EntityType {
			ids = append(ids, e.ID)
		}
	}
	want := a.IDs
	if want == nil {
		want = []int64{}
	}
	if !slices.Equal(ids, want) {
		return &AssertionError{
			Type:     AssertActive,
			Expected: fmt.Sprintf("active %s %v", describeType(a.EntityType), want),
			Actual:   fmt.Sprintf("active %s %v", describeType(a.EntityType), ids),
			Entities: result.Entities,
		}
	}
	return nil
}

func assertScopesEmpty(result *Result) error {
	if result.LiveScopes != 0 {
		return &AssertionError{
			Type:     AssertScopesEmpty,
			Expected: "no open transaction frames",
			Actual:   fmt.Sprintf("%d execution contexts with open frames", result.LiveScopes),
		}
	}
	return nil
}

// matchSubset reports whether actual matches expected. Expected maps match
// as subsets, recursively. On mismatch it returns the dotted path of the
// first differing field.
func matchSubset(actual value.Value, expected any, path string) (string, bool) {
	if exp, ok := expected.(map[string]any); ok {
		m, ok := actual.(value.Map)
		if !ok {
			return path, false
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if p, ok := matchSubset(m[k], exp[k], path+"."+k); !ok {
				return p, false
			}
		}
		return path, true
	}

	want, err := expectedValue(expected)
	if err != nil {
		return path, false
	}
	if actual == nil {
		actual = value.Null{}
	}
	return path, value.Equal(actual, want)
}

// expectedValue converts a YAML value the way stored records are encoded.
// Unquoted YAML timestamps arrive as time.Time.
func expectedValue(v any) (value.Value, error) {
	if t, ok := v.(time.Time); ok {
		return value.String(entity.FormatTime(t)), nil
	}
	return value.FromGo(v)
}

func lookupPath(snapshot value.Map, path string) value.Value {
	var cur value.Value = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(value.Map)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func formatExpected(expected any, path string) string {
	for _, part := range strings.Split(path, ".")[1:] {
		m, ok := expected.(map[string]any)
		if !ok {
			break
		}
		expected = m[part]
	}
	v, err := expectedValue(expected)
	if err != nil {
		return fmt.Sprintf("%v (%v)", expected, err)
	}
	return formatValue(v)
}

func formatValue(v value.Value) string {
	if v == nil {
		return "null"
	}
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func describeType(typ string) string {
	if typ == "" {
		return "records"
	}
	return typ + " records"
}
