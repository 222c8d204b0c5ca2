// Package txscope tracks transaction frames per execution context.
//
// Each execution context (one request, job, or worker loop) owns a stack of
// frames, one per open transaction, nested transactions included. A frame
// holds the replacement entities produced during its transaction and the
// single timestamp all of them share.
//
// # Lifecycle
//
//	Begin     push a frame with a fresh timestamp (creates the stack if absent)
//	Complete  persist the top frame's pending entities, then pop it
//	Abort     pop the top frame, discarding its pending entities
//
// When the last frame is popped the stack is removed from the registry
// entirely, so a long-lived execution context that is reused for unrelated
// work carries no residue between transactions.
//
// # Concurrency
//
// Frames are owned by their execution context and are never locked. Only the
// registry map is guarded, because different execution contexts insert and
// remove their own keys concurrently. Touching another context's frames is a
// programming error.
package txscope

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/vchain/internal/entity"
)

// Frame is the bookkeeping for one open transaction.
type Frame struct {
	timestamp time.Time
	pending   []*entity.Entity
}

// Timestamp is fixed when the frame is pushed.
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Add registers a replacement entity for persistence at completion.
// Adding the same entity twice has no effect.
func (f *Frame) Add(e *entity.Entity) {
	if slices.Contains(f.pending, e) {
		return
	}
	f.pending = append(f.pending, e)
}

// Pending returns the entities awaiting persistence.
func (f *Frame) Pending() []*entity.Entity {
	return slices.Clone(f.pending)
}

// Persister saves replacement entities once the flush cycle that produced
// them is over.
type Persister interface {
	SaveEntity(ctx context.Context, e *entity.Entity) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, e *entity.Entity) error

// SaveEntity calls f.
func (f PersisterFunc) SaveEntity(ctx context.Context, e *entity.Entity) error {
	return f(ctx, e)
}

// Scopes holds the frame stacks of all live execution contexts.
type Scopes struct {
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	stacks map[string][]*Frame
}

// Option configures Scopes.
type Option func(*Scopes)

// WithClock sets the clock used for frame timestamps.
// Default: SystemClock.
func WithClock(c Clock) Option {
	return func(s *Scopes) {
		s.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scopes) {
		s.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Scopes {
	s := &Scopes{
		clock:  SystemClock{},
		logger: slog.Default(),
		stacks: make(map[string][]*Frame),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin pushes a new frame for ctx's execution context.
//
// Panics if ctx carries no execution context id.
func (s *Scopes) Begin(ctx context.Context) *Frame {
	id := mustContextID(ctx, "begin")
	f := &Frame{timestamp: s.clock.Now()}

	s.mu.Lock()
	s.stacks[id] = append(s.stacks[id], f)
	depth := len(s.stacks[id])
	s.mu.Unlock()

	s.logger.Debug("transaction frame pushed",
		"execution_context", id,
		"depth", depth,
		"timestamp", f.timestamp,
	)
	return f
}

// Current returns the innermost open frame.
//
// Panics if no frame is open: flushing outside a transaction is a
// precondition violation, not a recoverable error.
func (s *Scopes) Current(ctx context.Context) *Frame {
	id := mustContextID(ctx, "current")

	s.mu.Lock()
	stack := s.stacks[id]
	s.mu.Unlock()

	if len(stack) == 0 {
		panic(fmt.Sprintf("txscope: no open transaction frame for execution context %s", id))
	}
	return stack[len(stack)-1]
}

// Timestamp returns the innermost open frame's timestamp, or false when ctx
// has no open frame.
func (s *Scopes) Timestamp(ctx context.Context) (time.Time, bool) {
	id, ok := ExecutionContextID(ctx)
	if !ok {
		return time.Time{}, false
	}

	s.mu.Lock()
	stack := s.stacks[id]
	s.mu.Unlock()

	if len(stack) == 0 {
		return time.Time{}, false
	}
	return stack[len(stack)-1].timestamp, true
}

// Complete persists every pending entity of the innermost frame and pops it.
//
// The frame is popped whether or not persistence succeeds; the first
// persistence error is returned. There are no retries.
func (s *Scopes) Complete(ctx context.Context, p Persister) error {
	top := s.Current(ctx)
	id, _ := ExecutionContextID(ctx)
	defer s.pop(id)

	for _, e := range top.pending {
		if err := p.SaveEntity(ctx, e); err != nil {
			return fmt.Errorf("persist replacement for %s#%d: %w", e.Type, e.PreviousVersion, err)
		}
	}
	if len(top.pending) > 0 {
		s.logger.Debug("persisted replacements",
			"execution_context", id,
			"count", len(top.pending),
		)
	}
	return nil
}

// Abort pops the innermost frame without persisting anything.
func (s *Scopes) Abort(ctx context.Context) {
	top := s.Current(ctx)
	id, _ := ExecutionContextID(ctx)
	if n := len(top.pending); n > 0 {
		s.logger.Debug("discarding replacements of aborted transaction",
			"execution_context", id,
			"count", n,
		)
	}
	s.pop(id)
}

// Depth returns the number of open frames for ctx's execution context.
func (s *Scopes) Depth(ctx context.Context) int {
	id, ok := ExecutionContextID(ctx)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stacks[id])
}

// HasStack reports whether ctx's execution context has a stack at all.
// It is false between transactions, never present-but-empty.
func (s *Scopes) HasStack(ctx context.Context) bool {
	id, ok := ExecutionContextID(ctx)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.stacks[id]
	return exists
}

// Live returns the number of execution contexts with open frames.
func (s *Scopes) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stacks)
}

func (s *Scopes) pop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stack := s.stacks[id]
	if len(stack) == 0 {
		return
	}
	stack[len(stack)-1] = nil
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(s.stacks, id)
		return
	}
	s.stacks[id] = stack
}

func mustContextID(ctx context.Context, op string) string {
	id, ok := ExecutionContextID(ctx)
	if !ok {
		panic(fmt.Sprintf("txscope: %s called without an execution context", op))
	}
	return id
}
