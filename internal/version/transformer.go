// Package version turns forbidden in-place edits into new versions.
//
// When a flush would change an immutable property of a governed entity, the
// Transformer rewrites the flush so the stored record is only retired, and
// registers a replacement carrying the requested changes. The replacement is
// persisted when the enclosing transaction completes, never during the
// flush that produced it.
//
// Interceptor wires the policy registry, mutation guard, transformer, and
// transaction scopes into the hooks a persistence session calls.
package version

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/policy"
	"github.com/roach88/vchain/internal/txscope"
	"github.com/roach88/vchain/internal/value"
)

// Transformer rewrites a forbidden flush into retire-and-replace.
type Transformer struct {
	scopes   *txscope.Scopes
	identity identity.Provider
	logger   *slog.Logger
}

// NewTransformer creates a transformer that registers replacements in the
// current frame of scopes and attributes them to ident.
func NewTransformer(scopes *txscope.Scopes, ident identity.Provider, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{scopes: scopes, identity: ident, logger: logger}
}

// Transform handles one forbidden flush of e (persisted as id).
//
// It builds the replacement from the persisted state overlaid with the
// proposed changes, registers it in the current frame, and rewrites
// diff.Proposed in place so the flush only retires the original. Returns
// true when Proposed was altered.
//
// Panics if ctx has no open transaction frame.
func (t *Transformer) Transform(ctx context.Context, e *entity.Entity, id int64, diff *entity.PropertyDiff, p policy.Policy) (bool, error) {
	frame := t.scopes.Current(ctx)
	ts := frame.Timestamp()
	user := t.identity.CurrentIdentity(ctx)

	replacement, err := newReplacement(e.Type, id, diff, user, ts)
	if err != nil {
		return false, fmt.Errorf("build replacement for %s#%d: %w", e.Type, id, err)
	}
	frame.Add(replacement)

	before := slices.Clone(diff.Proposed)
	for i, name := range diff.Names {
		switch name {
		case entity.PropVoided:
			diff.Proposed[i] = value.Bool(true)
		case entity.PropVoidedBy:
			diff.Proposed[i] = value.String(user)
		case entity.PropDateVoided:
			diff.Proposed[i] = entity.TimeValue(ts)
		case entity.PropVoidReason:
			diff.Proposed[i] = value.String(p.Reason())
		default:
			if !p.IsMutable(name) {
				diff.Proposed[i] = diff.Previous[i]
			}
		}
	}

	t.logger.Info("versioned immutable edit",
		"entity", fmt.Sprintf("%s#%d", e.Type, id),
		"replacement_uuid", replacement.UUID,
		"user", user,
	)
	return !value.EqualSlices(before, diff.Proposed), nil
}

// newReplacement builds the unsaved next version from the persisted state
// with every proposed change applied. The retirement fields are reset and
// creation is stamped with the frame's user and timestamp.
func newReplacement(typ string, id int64, diff *entity.PropertyDiff, user string, ts time.Time) (*entity.Entity, error) {
	state := slices.Clone(diff.Previous)
	for i := range state {
		if !value.Equal(diff.Previous[i], diff.Proposed[i]) {
			state[i] = diff.Proposed[i]
		}
	}

	r := &entity.Entity{Type: typ}
	if err := r.ApplyState(diff.Schema, state); err != nil {
		return nil, err
	}

	r.ID = 0
	r.UUID = uuid.NewString()
	r.Voided = false
	r.VoidedBy = ""
	r.DateVoided = nil
	r.VoidReason = ""
	r.Creator = user
	r.DateCreated = ts
	r.PreviousVersion = id
	return r, nil
}
