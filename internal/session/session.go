// Package session is the unit-of-work persistence layer for entities.
//
// A Session tracks every entity loaded or created inside a transaction,
// snapshots its flush state, and at flush time hands each dirty entity to an
// Interceptor before writing it back. The interceptor may rewrite the
// proposed state; the session applies whatever it returns.
//
// # Lifecycle
//
//	Transaction(ctx, fn)
//	    AfterTransactionBegin
//	    fn(ctx)                      Get / Create / Void / edits in memory
//	    Flush                        OnFlushDirty per dirty entity, id order
//	    BeforeTransactionCompletion  pending replacements saved via Save
//	    commit
//
// A failing or panicking fn or flush rolls back and calls
// AfterTransactionAbort. A failing completion hook rolls back only; the
// interceptor has already closed its frame.
//
// Nested Transaction calls on the same context run inside a savepoint of
// the enclosing transaction and get their own begin/complete hooks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/store"
	"github.com/roach88/vchain/internal/txscope"
	"github.com/roach88/vchain/internal/value"
)

var (
	// ErrNoTransaction is returned by operations that need an open
	// transaction when ctx carries none.
	ErrNoTransaction = errors.New("no open transaction")

	// ErrSaveDuringFlush is returned when Save is called while a flush is
	// running. Replacements must wait for transaction completion.
	ErrSaveDuringFlush = errors.New("save called during flush")
)

// Interceptor receives the session's lifecycle callbacks.
type Interceptor interface {
	// AfterTransactionBegin runs once per transaction, nested ones included.
	AfterTransactionBegin(ctx context.Context)

	// OnFlushDirty runs for each entity whose state differs from its
	// snapshot. diff.Proposed may be rewritten; returning true makes the
	// session apply it to e.
	OnFlushDirty(ctx context.Context, e *entity.Entity, id int64, diff *entity.PropertyDiff) (bool, error)

	// BeforeTransactionCompletion runs after the final flush, before commit.
	// Entities it saves through p are part of the transaction.
	BeforeTransactionCompletion(ctx context.Context, p txscope.Persister) error

	// AfterTransactionAbort runs when fn or the flush fails.
	AfterTransactionAbort(ctx context.Context)
}

// TransactionClock is implemented by interceptors that fix one timestamp per
// transaction. When present, Create and Void stamp that time instead of
// reading the session clock.
type TransactionClock interface {
	TransactionTime(ctx context.Context) (time.Time, bool)
}

// NoopInterceptor accepts every flush as proposed.
type NoopInterceptor struct{}

func (NoopInterceptor) AfterTransactionBegin(context.Context) {}

func (NoopInterceptor) OnFlushDirty(context.Context, *entity.Entity, int64, *entity.PropertyDiff) (bool, error) {
	return false, nil
}

func (NoopInterceptor) BeforeTransactionCompletion(context.Context, txscope.Persister) error {
	return nil
}

func (NoopInterceptor) AfterTransactionAbort(context.Context) {}

// Session persists entities of the catalog's types into a store.
//
// A Session is safe for use from several goroutines as long as each
// transaction stays on one context chain.
type Session struct {
	store       *store.Store
	catalog     *entity.Catalog
	interceptor Interceptor
	identity    identity.Provider
	clock       txscope.Clock
	contexts    txscope.ContextGenerator
	logger      *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithInterceptor sets the lifecycle hooks. Default: NoopInterceptor.
func WithInterceptor(i Interceptor) Option {
	return func(s *Session) {
		s.interceptor = i
	}
}

// WithIdentity sets who is recorded as creator and voider.
// Default: identity.ContextProvider.
func WithIdentity(p identity.Provider) Option {
	return func(s *Session) {
		s.identity = p
	}
}

// WithClock sets the clock for creation and explicit void timestamps when
// the interceptor is not a TransactionClock or has no open frame.
// Default: txscope.SystemClock.
func WithClock(c txscope.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithContextGenerator sets how execution contexts are minted for
// transactions started on a context that carries none.
// Default: txscope.UUIDv7Generator.
func WithContextGenerator(g txscope.ContextGenerator) Option {
	return func(s *Session) {
		s.contexts = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// New creates a session over st for the types in catalog.
func New(st *store.Store, catalog *entity.Catalog, opts ...Option) *Session {
	s := &Session{
		store:       st,
		catalog:     catalog,
		interceptor: NoopInterceptor{},
		identity:    identity.ContextProvider{},
		clock:       txscope.SystemClock{},
		contexts:    txscope.UUIDv7Generator{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tracked is one managed entity and its last flushed state.
type tracked struct {
	entity   *entity.Entity
	schema   entity.Schema
	snapshot []value.Value
}

// unit is the state of one outermost transaction, shared by nested ones.
type unit struct {
	tx      *store.Tx
	tracked map[int64]*tracked
	depth   int
	inFlush bool
}

type unitKey struct{ s *Session }

func (s *Session) unitFrom(ctx context.Context) (*unit, bool) {
	u, ok := ctx.Value(unitKey{s}).(*unit)
	return u, ok
}

func (s *Session) mustUnit(ctx context.Context) (*unit, error) {
	u, ok := s.unitFrom(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	return u, nil
}

// Transaction runs fn as one unit of work.
//
// If ctx already carries a transaction of this session, fn runs in a nested
// transaction backed by a savepoint. If ctx carries no execution context, a
// fresh one is bound first.
func (s *Session) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if u, ok := s.unitFrom(ctx); ok {
		return s.nested(ctx, u, fn)
	}

	if _, ok := txscope.ExecutionContextID(ctx); !ok {
		ctx = txscope.NewExecutionContext(ctx, s.contexts)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// No-op if committed.
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
	}()

	u := &unit{tx: tx, tracked: make(map[int64]*tracked)}
	ctx = context.WithValue(ctx, unitKey{s}, u)

	if err := s.run(ctx, u, fn); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Session) nested(ctx context.Context, u *unit, fn func(ctx context.Context) error) error {
	u.depth++
	defer func() { u.depth-- }()

	name := fmt.Sprintf("vchain_sp_%d", u.depth)
	if err := u.tx.Savepoint(ctx, name); err != nil {
		return err
	}
	saved := u.cloneTracked()

	released := false
	defer func() {
		if released {
			return
		}
		if rbErr := u.tx.RollbackToSavepoint(ctx, name); rbErr != nil {
			s.logger.Error("rollback to savepoint failed", "savepoint", name, "error", rbErr)
		}
		u.tracked = saved
	}()

	if err := s.run(ctx, u, fn); err != nil {
		return err
	}
	if err := u.tx.ReleaseSavepoint(ctx, name); err != nil {
		return err
	}
	released = true
	return nil
}

// run drives the interceptor hooks around fn. On error or panic the caller
// rolls back the SQL side.
func (s *Session) run(ctx context.Context, u *unit, fn func(ctx context.Context) error) error {
	s.interceptor.AfterTransactionBegin(ctx)

	completing := false
	defer func() {
		if !completing {
			s.interceptor.AfterTransactionAbort(ctx)
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if err := s.flush(ctx, u); err != nil {
		return err
	}
	completing = true
	if err := s.interceptor.BeforeTransactionCompletion(ctx, persister{s}); err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	return nil
}

// Flush writes every dirty tracked entity now, without ending the
// transaction.
func (s *Session) Flush(ctx context.Context) error {
	u, err := s.mustUnit(ctx)
	if err != nil {
		return err
	}
	return s.flush(ctx, u)
}

func (s *Session) flush(ctx context.Context, u *unit) error {
	u.inFlush = true
	defer func() { u.inFlush = false }()

	ids := make([]int64, 0, len(u.tracked))
	for id := range u.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := u.tracked[id]
		current := t.entity.State(t.schema)
		if value.EqualSlices(t.snapshot, current) {
			continue
		}

		diff := entity.NewDiff(t.schema, slices.Clone(t.snapshot), current)
		changed, err := s.interceptor.OnFlushDirty(ctx, t.entity, id, &diff)
		if err != nil {
			return fmt.Errorf("flush %s: %w", t.entity.Label(), err)
		}
		if changed {
			if err := t.entity.ApplyState(t.schema, diff.Proposed); err != nil {
				return fmt.Errorf("flush %s: apply state: %w", t.entity.Label(), err)
			}
		}

		next := t.entity.State(t.schema)
		if value.EqualSlices(t.snapshot, next) {
			continue
		}
		if err := t.entity.Validate(t.schema); err != nil {
			return fmt.Errorf("flush %s: %w", t.entity.Label(), err)
		}
		if err := u.tx.UpdateEntity(ctx, t.entity); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		t.snapshot = next
		s.logger.Debug("flushed entity", "entity", t.entity.Label())
	}
	return nil
}

// Get loads the entity with the given id and starts tracking it. Repeated
// calls within one transaction return the same instance.
func (s *Session) Get(ctx context.Context, id int64) (*entity.Entity, error) {
	u, err := s.mustUnit(ctx)
	if err != nil {
		return nil, err
	}
	if t, ok := u.tracked[id]; ok {
		return t.entity, nil
	}

	e, err := u.tx.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	schema, err := s.schema(e.Type)
	if err != nil {
		return nil, err
	}
	s.track(u, e, schema)
	return e, nil
}

// Create stamps creator and creation time when unset, saves e, and starts
// tracking it.
func (s *Session) Create(ctx context.Context, e *entity.Entity) error {
	if e.Creator == "" {
		e.Creator = s.identity.CurrentIdentity(ctx)
	}
	if e.DateCreated.IsZero() {
		e.DateCreated = s.now(ctx)
	}
	return s.Save(ctx, e)
}

// Save inserts e as a new record exactly as given and starts tracking it.
//
// Save is rejected with ErrSaveDuringFlush while a flush is running.
func (s *Session) Save(ctx context.Context, e *entity.Entity) error {
	u, err := s.mustUnit(ctx)
	if err != nil {
		return err
	}
	if u.inFlush {
		return ErrSaveDuringFlush
	}
	if e.ID != 0 {
		if _, ok := u.tracked[e.ID]; ok {
			return fmt.Errorf("save %s: already persisted", e.Label())
		}
	}

	schema, err := s.schema(e.Type)
	if err != nil {
		return err
	}
	if err := e.Validate(schema); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := u.tx.InsertEntity(ctx, e); err != nil {
		return err
	}
	s.track(u, e, schema)
	s.logger.Debug("saved entity",
		"entity", e.Label(),
		"previous_version", e.PreviousVersion,
	)
	return nil
}

// Void retires the entity with the given id in place. Voiding an already
// voided entity is a no-op.
func (s *Session) Void(ctx context.Context, id int64, reason string) (*entity.Entity, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Voided {
		return e, nil
	}
	if reason == "" {
		return nil, fmt.Errorf("void %s: reason is required", e.Label())
	}
	now := s.now(ctx)
	e.Voided = true
	e.VoidedBy = s.identity.CurrentIdentity(ctx)
	e.DateVoided = &now
	e.VoidReason = reason
	return e, nil
}

// History returns the version chain ending at id, newest first. It runs
// inside the current transaction when ctx has one.
func (s *Session) History(ctx context.Context, id int64) ([]*entity.Entity, error) {
	if u, ok := s.unitFrom(ctx); ok {
		return u.tx.ReadChain(ctx, id)
	}
	return s.store.ReadChain(ctx, id)
}

// Latest follows successors from id to the newest version.
func (s *Session) Latest(ctx context.Context, id int64) (*entity.Entity, error) {
	var lookup interface {
		GetEntity(context.Context, int64) (*entity.Entity, error)
		Successor(context.Context, int64) (*entity.Entity, error)
	} = s.store
	if u, ok := s.unitFrom(ctx); ok {
		lookup = u.tx
	}

	e, err := lookup.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		next, err := lookup.Successor(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return e, nil
		}
		e = next
	}
}

// now is the transaction's fixed time when the interceptor supplies one.
func (s *Session) now(ctx context.Context) time.Time {
	if tc, ok := s.interceptor.(TransactionClock); ok {
		if t, ok := tc.TransactionTime(ctx); ok {
			return t
		}
	}
	return s.clock.Now()
}

func (s *Session) schema(typ string) (entity.Schema, error) {
	schema, ok := s.catalog.Lookup(typ)
	if !ok {
		return entity.Schema{}, fmt.Errorf("unknown entity type %q", typ)
	}
	return schema, nil
}

func (s *Session) track(u *unit, e *entity.Entity, schema entity.Schema) {
	u.tracked[e.ID] = &tracked{
		entity:   e,
		schema:   schema,
		snapshot: e.State(schema),
	}
}

func (u *unit) cloneTracked() map[int64]*tracked {
	out := make(map[int64]*tracked, len(u.tracked))
	for id, t := range u.tracked {
		c := *t
		c.snapshot = slices.Clone(t.snapshot)
		out[id] = &c
	}
	return out
}

// persister adapts Save to txscope.Persister.
type persister struct {
	s *Session
}

func (p persister) SaveEntity(ctx context.Context, e *entity.Entity) error {
	return p.s.Save(ctx, e)
}
