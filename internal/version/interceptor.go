package version

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/guard"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/policy"
	"github.com/roach88/vchain/internal/txscope"
)

// Interceptor enforces the registered policies on every flush and versions
// entities whose immutable properties are edited.
//
// Types without a registered policy pass through untouched.
type Interceptor struct {
	registry    *policy.Registry
	scopes      *txscope.Scopes
	transformer *Transformer
	logger      *slog.Logger
}

// Option configures an Interceptor.
type Option func(*interceptorConfig)

type interceptorConfig struct {
	identity identity.Provider
	logger   *slog.Logger
	scopes   *txscope.Scopes
}

// WithIdentity sets who is recorded as retiring originals and creating
// replacements. Default: identity.ContextProvider with the default fallback.
func WithIdentity(p identity.Provider) Option {
	return func(c *interceptorConfig) {
		c.identity = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *interceptorConfig) {
		c.logger = l
	}
}

// WithScopes shares a scope registry, e.g. one built with a test clock.
// Default: a fresh registry on the system clock.
func WithScopes(s *txscope.Scopes) Option {
	return func(c *interceptorConfig) {
		c.scopes = s
	}
}

// NewInterceptor creates an interceptor for the policies in registry.
func NewInterceptor(registry *policy.Registry, opts ...Option) *Interceptor {
	cfg := interceptorConfig{
		identity: identity.ContextProvider{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.scopes == nil {
		cfg.scopes = txscope.New(txscope.WithLogger(cfg.logger))
	}
	return &Interceptor{
		registry:    registry,
		scopes:      cfg.scopes,
		transformer: NewTransformer(cfg.scopes, cfg.identity, cfg.logger),
		logger:      cfg.logger,
	}
}

// Scopes returns the scope registry, for inspection.
func (i *Interceptor) Scopes() *txscope.Scopes {
	return i.scopes
}

// AfterTransactionBegin opens a frame for the new transaction.
func (i *Interceptor) AfterTransactionBegin(ctx context.Context) {
	i.scopes.Begin(ctx)
}

// OnFlushDirty checks a dirty flush of e against its type's policy.
//
// Allowed flushes report whether anything differs. Forbidden flushes are
// rewritten by the transformer into a retirement plus a pending
// replacement. Returns true when diff.Proposed should be applied.
func (i *Interceptor) OnFlushDirty(ctx context.Context, e *entity.Entity, id int64, diff *entity.PropertyDiff) (bool, error) {
	p, ok := i.registry.Lookup(e.Type)
	if !ok {
		return diff.Dirty(), nil
	}

	out := guard.New(p).CheckFlush(e, id, *diff)
	if out.Verdict == guard.Allowed {
		return out.Dirty, nil
	}

	v := out.Violation()
	i.logger.Debug("immutable properties changed",
		"entity", e.Label(),
		"properties", v.Properties,
	)
	return i.transformer.Transform(ctx, e, id, diff, p)
}

// BeforeTransactionCompletion saves the frame's pending replacements
// through p and pops the frame. The frame is popped even when saving fails.
func (i *Interceptor) BeforeTransactionCompletion(ctx context.Context, p txscope.Persister) error {
	return i.scopes.Complete(ctx, p)
}

// TransactionTime returns the timestamp of the innermost open frame.
func (i *Interceptor) TransactionTime(ctx context.Context) (time.Time, bool) {
	return i.scopes.Timestamp(ctx)
}

// AfterTransactionAbort pops the frame without saving anything.
func (i *Interceptor) AfterTransactionAbort(ctx context.Context) {
	i.scopes.Abort(ctx)
}
