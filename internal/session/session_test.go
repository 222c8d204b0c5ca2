package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/policy"
	"github.com/roach88/vchain/internal/store"
	"github.com/roach88/vchain/internal/testutil"
	"github.com/roach88/vchain/internal/txscope"
	"github.com/roach88/vchain/internal/value"
	"github.com/roach88/vchain/internal/version"
)

var obsSchema = entity.Schema{
	Type: "Obs",
	Properties: []entity.Property{
		{Name: "concept", Kind: entity.KindString},
		{Name: "value", Kind: entity.KindInt},
		{Name: "comment", Kind: entity.KindString},
	},
}

var noteSchema = entity.Schema{
	Type: "Note",
	Properties: []entity.Property{
		{Name: "text", Kind: entity.KindString},
	},
}

var sessionNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	store       *store.Store
	session     *Session
	interceptor *version.Interceptor
	frames      *testutil.SteppingClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, wrap ...func(*version.Interceptor) Interceptor) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	catalog, err := entity.NewCatalog(obsSchema, noteSchema)
	require.NoError(t, err)

	reg, err := policy.NewRegistry(policy.New("Obs", true, "comment"))
	require.NoError(t, err)

	frames := testutil.NewSteppingClock()
	ic := version.NewInterceptor(reg,
		version.WithScopes(txscope.New(txscope.WithClock(frames), txscope.WithLogger(discardLogger()))),
		version.WithIdentity(identity.ContextProvider{Fallback: "daemon"}),
		version.WithLogger(discardLogger()),
	)

	var hooks Interceptor = ic
	for _, w := range wrap {
		hooks = w(ic)
	}

	s := New(st, catalog,
		WithInterceptor(hooks),
		WithClock(txscope.ClockFunc(func() time.Time { return sessionNow })),
		WithContextGenerator(testutil.NewFixedContextGenerator("generated")),
		WithLogger(discardLogger()),
	)
	return &testEnv{store: st, session: s, interceptor: ic, frames: frames}
}

func asUser(user string) context.Context {
	ctx := txscope.WithExecutionContext(context.Background(), "exec-"+user)
	return identity.WithUser(ctx, user)
}

// seedObs commits Obs#id with value v, created by alice. Consumes one frame
// timestamp.
func (env *testEnv) seedObs(t *testing.T, id int64, v int64) {
	t.Helper()
	err := env.session.Transaction(asUser("alice"), func(ctx context.Context) error {
		e := entity.New("Obs", value.Map{
			"concept": value.String("weight"),
			"value":   value.Int(v),
		})
		e.ID = id
		return env.session.Create(ctx, e)
	})
	require.NoError(t, err)
}

func (env *testEnv) count(t *testing.T) int {
	t.Helper()
	all, err := env.store.ListEntities(context.Background(), "", true)
	require.NoError(t, err)
	return len(all)
}

func (env *testEnv) load(t *testing.T, id int64) *entity.Entity {
	t.Helper()
	e, err := env.store.GetEntity(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestEditImmutableProperty_VersionsEntity(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(6)
		return nil
	})
	require.NoError(t, err)

	ts := env.frames.At(1)

	orig := env.load(t, 42)
	assert.Equal(t, value.Int(5), orig.Properties["value"], "original keeps its value")
	assert.True(t, orig.Voided)
	assert.Equal(t, "bob", orig.VoidedBy)
	assert.Equal(t, policy.DefaultVoidReason, orig.VoidReason)
	require.NotNil(t, orig.DateVoided)
	assert.True(t, ts.Equal(*orig.DateVoided))
	assert.Equal(t, "alice", orig.Creator)

	repl := env.load(t, 43)
	assert.Equal(t, value.Int(6), repl.Properties["value"])
	assert.Equal(t, value.String("weight"), repl.Properties["concept"])
	assert.Equal(t, int64(42), repl.PreviousVersion)
	assert.Equal(t, "bob", repl.Creator)
	assert.True(t, ts.Equal(repl.DateCreated), "replacement and retirement share the frame timestamp")
	assert.False(t, repl.Voided)
	assert.NotEqual(t, orig.UUID, repl.UUID)

	assert.Equal(t, 2, env.count(t))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx), "stack discarded after outermost completion")
}

func TestEditMutableProperty_UpdatesInPlace(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	err := env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["comment"] = value.String("double checked")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, env.count(t), "no replacement for allow-listed edits")
	got := env.load(t, 42)
	assert.Equal(t, value.String("double checked"), got.Properties["comment"])
	assert.False(t, got.Voided)
}

func TestUngovernedType_UpdatesInPlace(t *testing.T) {
	env := newTestEnv(t)

	var id int64
	require.NoError(t, env.session.Transaction(asUser("alice"), func(ctx context.Context) error {
		n := entity.New("Note", value.Map{"text": value.String("draft")})
		err := env.session.Create(ctx, n)
		id = n.ID
		return err
	}))

	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		n, err := env.session.Get(ctx, id)
		if err != nil {
			return err
		}
		n.Properties["text"] = value.String("final")
		return nil
	}))

	assert.Equal(t, 1, env.count(t))
	assert.Equal(t, value.String("final"), env.load(t, id).Properties["text"])
}

func TestVoidedEntity_ExemptFromVersioning(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		_, err := env.session.Void(ctx, 42, "entered in error")
		return err
	}))

	voided := env.load(t, 42)
	assert.True(t, voided.Voided)
	assert.Equal(t, "bob", voided.VoidedBy)
	assert.Equal(t, "entered in error", voided.VoidReason)
	require.NotNil(t, voided.DateVoided)
	assert.True(t, env.frames.At(1).Equal(*voided.DateVoided), "void stamped with the frame timestamp")

	require.NoError(t, env.session.Transaction(asUser("carol"), func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(9)
		obs.VoidReason = "duplicate"
		return nil
	}))

	assert.Equal(t, 1, env.count(t), "retired entities never produce a replacement")
	got := env.load(t, 42)
	assert.Equal(t, value.Int(9), got.Properties["value"])
	assert.Equal(t, "duplicate", got.VoidReason)
}

func TestVoid_AlreadyVoidedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		_, err := env.session.Void(ctx, 42, "first")
		return err
	}))
	require.NoError(t, env.session.Transaction(asUser("carol"), func(ctx context.Context) error {
		e, err := env.session.Void(ctx, 42, "second")
		if err != nil {
			return err
		}
		assert.Equal(t, "first", e.VoidReason)
		return nil
	}))

	assert.Equal(t, "bob", env.load(t, 42).VoidedBy)
}

func TestVoid_RequiresReason(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	err := env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		_, err := env.session.Void(ctx, 42, "")
		return err
	})
	require.Error(t, err)
	assert.False(t, env.load(t, 42).Voided)
}

func TestNestedTransactions_IndependentTimestamps(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 1, 10) // frame At(0)
	env.seedObs(t, 2, 20) // frame At(1)

	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error { // outer: At(2)
		err := env.session.Transaction(ctx, func(ctx context.Context) error { // inner: At(3)
			b, err := env.session.Get(ctx, 2)
			if err != nil {
				return err
			}
			b.Properties["value"] = value.Int(21)
			return nil
		})
		if err != nil {
			return err
		}
		assert.Equal(t, 1, env.interceptor.Scopes().Depth(ctx), "inner frame popped, outer intact")

		a, err := env.session.Get(ctx, 1)
		if err != nil {
			return err
		}
		a.Properties["value"] = value.Int(11)
		return nil
	})
	require.NoError(t, err)

	innerRepl := env.load(t, 3)
	outerRepl := env.load(t, 4)
	assert.Equal(t, int64(2), innerRepl.PreviousVersion)
	assert.Equal(t, int64(1), outerRepl.PreviousVersion)
	assert.True(t, env.frames.At(3).Equal(innerRepl.DateCreated))
	assert.True(t, env.frames.At(2).Equal(outerRepl.DateCreated))
	assert.False(t, innerRepl.DateCreated.Equal(outerRepl.DateCreated))

	assert.True(t, env.frames.At(3).Equal(*env.load(t, 2).DateVoided))
	assert.True(t, env.frames.At(2).Equal(*env.load(t, 1).DateVoided))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx))
}

func TestNestedTransaction_RollbackKeepsOuter(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 1, 10)
	env.seedObs(t, 2, 20)

	boom := errors.New("inner failed")
	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error {
		err := env.session.Transaction(ctx, func(ctx context.Context) error {
			b, err := env.session.Get(ctx, 2)
			if err != nil {
				return err
			}
			b.Properties["comment"] = value.String("discarded")
			return boom
		})
		assert.ErrorIs(t, err, boom)

		a, err := env.session.Get(ctx, 1)
		if err != nil {
			return err
		}
		a.Properties["comment"] = value.String("kept")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, value.String("kept"), env.load(t, 1).Properties["comment"])
	assert.Equal(t, 2, env.count(t))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx))
}

func TestTransaction_FnErrorRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	boom := errors.New("validation failed")
	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(6)
		if err := env.session.Flush(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, env.count(t), "pending replacement discarded")
	got := env.load(t, 42)
	assert.False(t, got.Voided, "flushed retirement rolled back")
	assert.False(t, env.interceptor.Scopes().HasStack(ctx))
}

// failingCompletion saves nothing and reports a persistence failure.
type failingCompletion struct {
	*version.Interceptor
	err error
}

func (f failingCompletion) BeforeTransactionCompletion(ctx context.Context, _ txscope.Persister) error {
	return f.Interceptor.BeforeTransactionCompletion(ctx, txscope.PersisterFunc(func(context.Context, *entity.Entity) error {
		return f.err
	}))
}

func TestTransaction_PersistFailureRollsBack(t *testing.T) {
	boom := errors.New("disk full")
	env := newTestEnv(t, func(ic *version.Interceptor) Interceptor {
		return failingCompletion{Interceptor: ic, err: boom}
	})

	// Seeding creates no replacements, so the failing persister is never hit.
	env.seedObs(t, 42, 5)

	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(6)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.False(t, env.load(t, 42).Voided, "retirement rolled back with the failed replacement")
	assert.Equal(t, 1, env.count(t))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx), "frame popped despite failure")
}

// savingInterceptor tries to save from inside the flush.
type savingInterceptor struct {
	NoopInterceptor
	s *Session
}

func (i savingInterceptor) OnFlushDirty(ctx context.Context, e *entity.Entity, _ int64, _ *entity.PropertyDiff) (bool, error) {
	return false, i.s.Save(ctx, entity.New(e.Type, value.Map{}))
}

func TestSave_RejectedDuringFlush(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)
	env.session.interceptor = savingInterceptor{s: env.session}

	err := env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		obs, err := env.session.Get(ctx, 42)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(6)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSaveDuringFlush)
	assert.Equal(t, value.Int(5), env.load(t, 42).Properties["value"])
}

func TestOperations_RequireTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.session.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.ErrorIs(t, env.session.Save(ctx, entity.New("Obs", nil)), ErrNoTransaction)
	assert.ErrorIs(t, env.session.Flush(ctx), ErrNoTransaction)
	_, err = env.session.Void(ctx, 1, "x")
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestGet_ReturnsTrackedInstance(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		a, err := env.session.Get(ctx, 42)
		require.NoError(t, err)
		b, err := env.session.Get(ctx, 42)
		require.NoError(t, err)
		assert.Same(t, a, b)

		_, err = env.session.Get(ctx, 99)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestCreate_StampsAuditFields(t *testing.T) {
	env := newTestEnv(t)

	var id int64
	require.NoError(t, env.session.Transaction(asUser("alice"), func(ctx context.Context) error {
		e := entity.New("Obs", value.Map{"value": value.Int(1)})
		if err := env.session.Create(ctx, e); err != nil {
			return err
		}
		id = e.ID
		return nil
	}))

	got := env.load(t, id)
	assert.Equal(t, "alice", got.Creator)
	assert.True(t, env.frames.At(0).Equal(got.DateCreated))
}

func TestTransaction_SharesOneTimestamp(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 1, 10)
	env.seedObs(t, 2, 20)

	var noteID int64
	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		n := entity.New("Note", value.Map{"text": value.String("handover")})
		if err := env.session.Create(ctx, n); err != nil {
			return err
		}
		noteID = n.ID

		if _, err := env.session.Void(ctx, 1, "entered in error"); err != nil {
			return err
		}
		obs, err := env.session.Get(ctx, 2)
		if err != nil {
			return err
		}
		obs.Properties["value"] = value.Int(21)
		return nil
	}))

	ts := env.frames.At(2)
	assert.True(t, ts.Equal(env.load(t, noteID).DateCreated))
	assert.True(t, ts.Equal(*env.load(t, 1).DateVoided))
	assert.True(t, ts.Equal(*env.load(t, 2).DateVoided))

	repl, err := env.session.Latest(context.Background(), 2)
	require.NoError(t, err)
	require.NotEqual(t, int64(2), repl.ID)
	assert.True(t, ts.Equal(repl.DateCreated))
}

func TestTransaction_PanicReleasesFrameAndConnection(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	ctx := asUser("bob")
	assert.Panics(t, func() {
		_ = env.session.Transaction(ctx, func(ctx context.Context) error {
			obs, err := env.session.Get(ctx, 42)
			if err != nil {
				return err
			}
			obs.Properties["value"] = value.Int(6)
			if err := env.session.Flush(ctx); err != nil {
				return err
			}
			panic("handler crashed")
		})
	})
	assert.False(t, env.interceptor.Scopes().HasStack(ctx), "frame popped after panic")

	done := make(chan error, 1)
	go func() {
		done <- env.session.Transaction(ctx, func(ctx context.Context) error {
			obs, err := env.session.Get(ctx, 42)
			if err != nil {
				return err
			}
			obs.Properties["comment"] = value.String("after panic")
			return nil
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transaction after panic blocked on the database connection")
	}

	got := env.load(t, 42)
	assert.False(t, got.Voided, "flushed retirement rolled back")
	assert.Equal(t, value.String("after panic"), got.Properties["comment"])
	assert.Equal(t, 1, env.count(t))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx))
}

func TestNestedTransaction_PanicKeepsOuter(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 1, 10)
	env.seedObs(t, 2, 20)

	ctx := asUser("bob")
	err := env.session.Transaction(ctx, func(ctx context.Context) error {
		assert.Panics(t, func() {
			_ = env.session.Transaction(ctx, func(ctx context.Context) error {
				b, err := env.session.Get(ctx, 2)
				if err != nil {
					return err
				}
				b.Properties["value"] = value.Int(21)
				if err := env.session.Flush(ctx); err != nil {
					return err
				}
				panic("inner crashed")
			})
		})
		assert.Equal(t, 1, env.interceptor.Scopes().Depth(ctx), "inner frame popped, outer intact")

		a, err := env.session.Get(ctx, 1)
		if err != nil {
			return err
		}
		a.Properties["comment"] = value.String("kept")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, value.String("kept"), env.load(t, 1).Properties["comment"])
	assert.False(t, env.load(t, 2).Voided, "inner retirement rolled back to its savepoint")
	assert.Equal(t, 2, env.count(t))
	assert.False(t, env.interceptor.Scopes().HasStack(ctx))
}

func TestCreate_RejectsInvalidEntities(t *testing.T) {
	env := newTestEnv(t)

	err := env.session.Transaction(asUser("alice"), func(ctx context.Context) error {
		return env.session.Create(ctx, entity.New("Unknown", nil))
	})
	assert.Error(t, err)

	err = env.session.Transaction(asUser("alice"), func(ctx context.Context) error {
		return env.session.Create(ctx, entity.New("Obs", value.Map{"value": value.String("heavy")}))
	})
	assert.Error(t, err)
	assert.Equal(t, 0, env.count(t))
}

func TestTransaction_MintsExecutionContext(t *testing.T) {
	env := newTestEnv(t)

	var seen string
	require.NoError(t, env.session.Transaction(context.Background(), func(ctx context.Context) error {
		seen, _ = txscope.ExecutionContextID(ctx)
		return env.session.Create(ctx, entity.New("Note", value.Map{"text": value.String("x")}))
	}))
	assert.Equal(t, "generated", seen)

	all, err := env.store.ListEntities(context.Background(), "Note", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, identity.DefaultFallback, all[0].Creator)
}

func TestHistoryAndLatest(t *testing.T) {
	env := newTestEnv(t)
	env.seedObs(t, 42, 5)

	edit := func(id, v int64) {
		require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
			obs, err := env.session.Get(ctx, id)
			if err != nil {
				return err
			}
			obs.Properties["value"] = value.Int(v)
			return nil
		}))
	}
	edit(42, 6)
	edit(43, 7)

	ctx := context.Background()
	chain, err := env.session.History(ctx, 44)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, int64(44), chain[0].ID)
	assert.Equal(t, int64(43), chain[1].ID)
	assert.Equal(t, int64(42), chain[2].ID)
	assert.False(t, chain[0].Voided)
	assert.True(t, chain[1].Voided)
	assert.True(t, chain[2].Voided)

	latest, err := env.session.Latest(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(44), latest.ID)
	assert.Equal(t, value.Int(7), latest.Properties["value"])

	require.NoError(t, env.session.Transaction(asUser("bob"), func(ctx context.Context) error {
		chain, err := env.session.History(ctx, 43)
		require.NoError(t, err)
		assert.Len(t, chain, 2)
		latest, err := env.session.Latest(ctx, 43)
		require.NoError(t, err)
		assert.Equal(t, int64(44), latest.ID)
		return nil
	}))
}

func TestNoopInterceptor_WritesEdits(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "noop.db"))
	require.NoError(t, err)
	defer st.Close()
	catalog, err := entity.NewCatalog(obsSchema)
	require.NoError(t, err)

	s := New(st, catalog,
		WithIdentity(identity.Static("system")),
		WithClock(txscope.ClockFunc(func() time.Time { return sessionNow })),
		WithLogger(discardLogger()),
	)

	var id int64
	require.NoError(t, s.Transaction(context.Background(), func(ctx context.Context) error {
		e := entity.New("Obs", value.Map{"value": value.Int(1)})
		err := s.Create(ctx, e)
		id = e.ID
		return err
	}))
	require.NoError(t, s.Transaction(context.Background(), func(ctx context.Context) error {
		e, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		e.Properties["value"] = value.Int(2)
		return nil
	}))

	got, err := st.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), got.Properties["value"])
	assert.Equal(t, "system", got.Creator)
	assert.True(t, sessionNow.Equal(got.DateCreated), "session clock used without a transaction clock")
}
