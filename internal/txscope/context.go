package txscope

import (
	"context"

	"github.com/google/uuid"
)

// ContextGenerator produces execution-context IDs.
// Implemented by UUIDv7Generator (production) and testutil.FixedContextGenerator.
type ContextGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 execution-context IDs.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails, which only happens if the system's
// random source is broken.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

type executionContextKey struct{}

// WithExecutionContext returns a context bound to the execution context id.
// All transaction frames opened through the returned context share one stack.
func WithExecutionContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionContextKey{}, id)
}

// NewExecutionContext binds ctx to a freshly generated execution context.
func NewExecutionContext(ctx context.Context, gen ContextGenerator) context.Context {
	return WithExecutionContext(ctx, gen.Generate())
}

// ExecutionContextID returns the execution context id carried by ctx.
func ExecutionContextID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(executionContextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
