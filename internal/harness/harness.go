package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/vchain/internal/compiler"
	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/session"
	"github.com/roach88/vchain/internal/store"
	"github.com/roach88/vchain/internal/testutil"
	"github.com/roach88/vchain/internal/txscope"
	"github.com/roach88/vchain/internal/value"
	"github.com/roach88/vchain/internal/version"
)

// SetupIdentity is the user the setup transaction runs as.
const SetupIdentity = "admin"

// errAbort is returned from a transaction marked fail: true.
var errAbort = errors.New("scenario requested abort")

// Harness executes one scenario against its own store and session.
type Harness struct {
	catalog  *entity.Catalog
	session  *session.Session
	scopes   *txscope.Scopes
	contexts *testutil.FixedContextGenerator
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with deterministic
// clocks and a fixed execution context. An error is returned only when the
// scenario cannot be executed at all (bad spec, failing setup); failed
// transactions and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	bundle, err := compileScenario(scenario)
	if err != nil {
		return nil, err
	}
	catalog, err := bundle.Catalog()
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}
	registry, err := bundle.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build policy registry: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scopes := txscope.New(
		txscope.WithClock(testutil.NewSteppingClock()),
		txscope.WithLogger(logger),
	)
	contexts := testutil.NewFixedContextGenerator(scenario.ExecutionContext)
	interceptor := version.NewInterceptor(registry,
		version.WithScopes(scopes),
		version.WithLogger(logger),
	)

	h := &Harness{
		catalog: catalog,
		session: session.New(st, catalog,
			session.WithInterceptor(interceptor),
			session.WithContextGenerator(contexts),
			session.WithLogger(logger),
		),
		scopes:   scopes,
		contexts: contexts,
		logger:   logger,
	}

	ctx := context.Background()
	result := NewResult()

	if len(scenario.Setup) > 0 {
		setup := Transaction{As: SetupIdentity, Steps: scenario.Setup}
		if err := h.runTransaction(ctx, setup); err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
	}

	for i, tx := range scenario.Transactions {
		h.execute(ctx, i, tx, result)
	}

	entities, err := st.ListEntities(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	result.Entities = entities
	result.LiveScopes = scopes.Live()

	actx := &AssertionContext{
		Session: h.session,
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func compileScenario(scenario *Scenario) (*compiler.Bundle, error) {
	var bundles []*compiler.Bundle
	if len(scenario.Specs) > 0 {
		b, errs := compiler.CompileFiles(scenario.Specs)
		if len(errs) > 0 {
			return nil, fmt.Errorf("failed to compile specs: %w", errors.Join(errs...))
		}
		bundles = append(bundles, b)
	}
	if scenario.Spec != "" {
		b, errs := compiler.CompileString(scenario.Spec, scenario.Name+".cue")
		if len(errs) > 0 {
			return nil, fmt.Errorf("failed to compile spec: %w", errors.Join(errs...))
		}
		bundles = append(bundles, b)
	}

	merged := &compiler.Bundle{}
	for _, b := range bundles {
		merged.Schemas = append(merged.Schemas, b.Schemas...)
		merged.Policies = append(merged.Policies, b.Policies...)
	}
	var invalid []error
	for _, verr := range compiler.ValidateBundle(merged) {
		invalid = append(invalid, verr)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid spec: %w", errors.Join(invalid...))
	}
	return merged, nil
}

// execute runs one scenario transaction and records its outcome.
func (h *Harness) execute(ctx context.Context, index int, tx Transaction, result *Result) {
	err := h.runTransaction(ctx, tx)
	outcome := TransactionOutcome{Index: index, As: tx.As, Outcome: OutcomeCommitted}

	switch {
	case err == nil:
		if tx.ExpectError != "" {
			result.AddError(fmt.Sprintf("transactions[%d]: expected error containing %q, got success", index, tx.ExpectError))
		}
	case tx.Fail && errors.Is(err, errAbort):
		outcome.Outcome = OutcomeAborted
	default:
		outcome.Outcome = OutcomeFailed
		outcome.Error = err.Error()
		if tx.ExpectError == "" {
			result.AddError(fmt.Sprintf("transactions[%d]: %v", index, err))
		} else if !strings.Contains(err.Error(), tx.ExpectError) {
			result.AddError(fmt.Sprintf("transactions[%d]: expected error containing %q, got %q", index, tx.ExpectError, err.Error()))
		}
	}
	h.logger.Debug("transaction finished",
		"index", index,
		"outcome", outcome.Outcome,
	)
	result.AddOutcome(outcome)
}

// runTransaction runs tx as an outermost transaction on the scenario's
// execution context.
func (h *Harness) runTransaction(ctx context.Context, tx Transaction) error {
	ctx = txscope.WithExecutionContext(ctx, h.contexts.Generate())
	if tx.As != "" {
		ctx = identity.WithUser(ctx, tx.As)
	}
	return h.session.Transaction(ctx, h.body(tx))
}

func (h *Harness) body(tx Transaction) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for i, step := range tx.Steps {
			if err := h.step(ctx, step); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Op(), err)
			}
		}
		if tx.Fail {
			return errAbort
		}
		return nil
	}
}

func (h *Harness) step(ctx context.Context, step Step) error {
	switch step.Op() {
	case OpCreate:
		return h.create(ctx, step)
	case OpEdit:
		return h.edit(ctx, step)
	case OpVoid:
		_, err := h.session.Void(ctx, step.Void, step.Reason)
		return err
	case OpFlush:
		return h.session.Flush(ctx)
	case OpNested:
		return h.nested(ctx, *step.Nested)
	default:
		return errors.New("step has no single operation")
	}
}

func (h *Harness) create(ctx context.Context, step Step) error {
	props := value.Map{}
	for name, raw := range step.Properties {
		v, err := value.FromGo(raw)
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		if !value.IsNull(v) {
			props[name] = v
		}
	}

	e := entity.New(step.Create, props)
	e.ID = step.ID
	return h.session.Create(ctx, e)
}

// edit changes an entity in memory through its flush state, so audit
// properties can be edited the same way as declared ones.
func (h *Harness) edit(ctx context.Context, step Step) error {
	e, err := h.session.Get(ctx, step.Edit)
	if err != nil {
		return err
	}
	schema, ok := h.catalog.Lookup(e.Type)
	if !ok {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}

	names := make([]string, 0, len(step.Set))
	for name := range step.Set {
		names = append(names, name)
	}
	sort.Strings(names)

	diff := entity.NewDiff(schema, nil, e.State(schema))
	for _, name := range names {
		if diff.Index(name) < 0 {
			return fmt.Errorf("%s has no property %q", e.Type, name)
		}
		v, err := value.FromGo(step.Set[name])
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		diff.Set(name, v)
	}
	return e.ApplyState(schema, diff.Proposed)
}

// nested runs tx inside the current transaction. A requested abort is
// absorbed so the enclosing transaction carries on.
func (h *Harness) nested(ctx context.Context, tx Transaction) error {
	if tx.As != "" {
		ctx = identity.WithUser(ctx, tx.As)
	}
	err := h.session.Transaction(ctx, h.body(tx))
	switch {
	case err == nil:
		if tx.ExpectError != "" {
			return fmt.Errorf("nested: expected error containing %q, got success", tx.ExpectError)
		}
		return nil
	case tx.Fail && errors.Is(err, errAbort):
		return nil
	case tx.ExpectError != "" && strings.Contains(err.Error(), tx.ExpectError):
		return nil
	default:
		return fmt.Errorf("nested: %w", err)
	}
}
