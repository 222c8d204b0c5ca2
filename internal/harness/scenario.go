package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one versioning scenario.
// A scenario compiles entity schemas and policies, seeds records, runs a
// sequence of transactions, and asserts on the records left in the store.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Spec is inline CUE declaring entities and policies.
	Spec string `yaml:"spec,omitempty"`

	// Specs lists CUE files, relative to the scenario file.
	// Spec and Specs are unified when both are given.
	Specs []string `yaml:"specs,omitempty"`

	// Setup runs as one transaction by SetupIdentity before the main
	// transactions. It must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Transactions run in order, each as its own unit of work.
	Transactions []Transaction `yaml:"transactions"`

	// Assertions validate the stored records after all transactions.
	Assertions []Assertion `yaml:"assertions"`

	// ExecutionContext is the execution-context id shared by every
	// transaction. If empty, defaults to "test-context-default".
	ExecutionContext string `yaml:"execution_context,omitempty"`
}

// Transaction is one unit of work.
type Transaction struct {
	// As is the user the transaction runs as. If empty, the identity
	// provider's fallback applies.
	As string `yaml:"as,omitempty"`

	// Steps run in order inside the transaction.
	Steps []Step `yaml:"steps"`

	// Fail aborts the transaction after its steps.
	Fail bool `yaml:"fail,omitempty"`

	// ExpectError, if set, requires the transaction to fail with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step is one operation inside a transaction. Exactly one of Create, Edit,
// Void, Flush, or Nested must be set.
type Step struct {
	// Create is the type of a new entity.
	Create string `yaml:"create,omitempty"`

	// ID optionally fixes the new entity's id (create only).
	ID int64 `yaml:"id,omitempty"`

	// Properties are the new entity's declared properties (create only).
	Properties map[string]any `yaml:"properties,omitempty"`

	// Edit is the id of an entity to change in memory.
	Edit int64 `yaml:"edit,omitempty"`

	// Set maps property names to new values (edit only). Audit properties
	// may be set too; null clears a value.
	Set map[string]any `yaml:"set,omitempty"`

	// Void is the id of an entity to retire explicitly.
	Void int64 `yaml:"void,omitempty"`

	// Reason is the void reason (void only).
	Reason string `yaml:"reason,omitempty"`

	// Flush writes pending changes without ending the transaction.
	Flush bool `yaml:"flush,omitempty"`

	// Nested runs a transaction inside the current one.
	Nested *Transaction `yaml:"nested,omitempty"`
}

// Step operation names, as reported in errors.
const (
	OpCreate = "create"
	OpEdit   = "edit"
	OpVoid   = "void"
	OpFlush  = "flush"
	OpNested = "nested"
)

// Op returns the operation the step performs, or "" if none or several
// are set.
func (s Step) Op() string {
	var ops []string
	if s.Create != "" {
		ops = append(ops, OpCreate)
	}
	if s.Edit != 0 {
		ops = append(ops, OpEdit)
	}
	if s.Void != 0 {
		ops = append(ops, OpVoid)
	}
	if s.Flush {
		ops = append(ops, OpFlush)
	}
	if s.Nested != nil {
		ops = append(ops, OpNested)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Assertion validates the final store contents.
type Assertion struct {
	// Type specifies the assertion type:
	// - "entity": subset match of Expect against record ID
	// - "chain": History(ID) ids equal IDs, newest first
	// - "count": number of records (of EntityType, if set) equals Count
	// - "active": ids of non-voided records (of EntityType, if set) equal IDs
	// - "scopes_empty": no transaction frames are left open
	Type string `yaml:"type"`

	// ID is the record under test (entity, chain).
	ID int64 `yaml:"id,omitempty"`

	// EntityType narrows count and active to one type.
	EntityType string `yaml:"entity_type,omitempty"`

	// Expect contains expected field values (entity).
	// Subset match; nested maps such as properties match as subsets too.
	Expect map[string]any `yaml:"expect,omitempty"`

	// IDs is the expected id list (chain, active).
	IDs []int64 `yaml:"ids,omitempty"`

	// Count is the expected number of records (count).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity      = "entity"
	AssertChain       = "chain"
	AssertCount       = "count"
	AssertActive      = "active"
	AssertScopesEmpty = "scopes_empty"
)

// LoadScenario reads and parses a scenario YAML file.
// Spec paths are resolved relative to the scenario file. Returns an error
// if the file doesn't exist, is malformed, contains unknown fields, or is
// missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, spec := range scenario.Specs {
		if !filepath.IsAbs(spec) {
			scenario.Specs[i] = filepath.Join(basePath, spec)
		}
		if _, err := os.Stat(scenario.Specs[i]); err != nil {
			return nil, fmt.Errorf("invalid scenario: specs[%d]: %w", i, err)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.Spec == "" && len(s.Specs) == 0 {
		return errors.New("spec or specs is required")
	}
	if len(s.Transactions) == 0 {
		return errors.New("at least one transaction is required")
	}
	if len(s.Assertions) == 0 {
		return errors.New("at least one assertion is required")
	}

	if err := validateSteps("setup", s.Setup); err != nil {
		return err
	}
	for i, tx := range s.Transactions {
		if err := validateTransaction(fmt.Sprintf("transactions[%d]", i), tx); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(fmt.Sprintf("assertions[%d]", i), a); err != nil {
			return err
		}
	}
	return nil
}

func validateTransaction(path string, tx Transaction) error {
	if len(tx.Steps) == 0 {
		return fmt.Errorf("%s: at least one step is required", path)
	}
	if tx.Fail && tx.ExpectError != "" {
		return fmt.Errorf("%s: fail and expect_error are mutually exclusive", path)
	}
	return validateSteps(path+".steps", tx.Steps)
}

func validateSteps(path string, steps []Step) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", path, i)
		switch step.Op() {
		case "":
			return fmt.Errorf("%s: exactly one of create, edit, void, flush, nested is required", at)
		case OpCreate:
			if step.Set != nil || step.Reason != "" {
				return fmt.Errorf("%s: create takes id and properties only", at)
			}
		case OpEdit:
			if len(step.Set) == 0 {
				return fmt.Errorf("%s: edit requires set", at)
			}
		case OpVoid:
			if step.Reason == "" {
				return fmt.Errorf("%s: void requires reason", at)
			}
		case OpNested:
			if err := validateTransaction(at+".nested", *step.Nested); err != nil {
				return err
			}
		}
		if step.Op() != OpCreate && (step.ID != 0 || step.Properties != nil) {
			return fmt.Errorf("%s: id and properties are only valid on create", at)
		}
	}
	return nil
}

func validateAssertion(path string, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		if a.ID == 0 || len(a.Expect) == 0 {
			return fmt.Errorf("%s: entity requires id and expect", path)
		}
	case AssertChain:
		if a.ID == 0 || len(a.IDs) == 0 {
			return fmt.Errorf("%s: chain requires id and ids", path)
		}
	case AssertCount:
		if a.Count == nil {
			return fmt.Errorf("%s: count requires count", path)
		}
	case AssertActive:
		// An empty ids list asserts that nothing is active.
	case AssertScopesEmpty:
	default:
		return fmt.Errorf("%s: unknown assertion type %q", path, a.Type)
	}
	return nil
}
