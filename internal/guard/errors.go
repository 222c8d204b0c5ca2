package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/vchain/internal/entity"
)

// ImmutablePropertyError reports a flush that changes immutable properties.
//
// Within this module it travels inside a Forbidden Outcome rather than being
// returned; Outcome.Err exposes it to callers that want an error value.
type ImmutablePropertyError struct {
	// Message is a human-readable description.
	Message string

	// Entity is the entity being flushed.
	Entity *entity.Entity

	// ID is the persisted identity of Entity.
	ID int64

	// Diff is the full flush diff.
	Diff entity.PropertyDiff

	// Properties lists the immutable properties that differ.
	Properties []string
}

// Error implements the error interface.
func (e *ImmutablePropertyError) Error() string {
	typ := ""
	if e.Entity != nil {
		typ = e.Entity.Type
	}
	return fmt.Sprintf("%s: %s#%d (%s)", e.Message, typ, e.ID, strings.Join(e.Properties, ", "))
}

// IsImmutablePropertyError reports whether err is or wraps an
// ImmutablePropertyError.
func IsImmutablePropertyError(err error) bool {
	var ipe *ImmutablePropertyError
	return errors.As(err, &ipe)
}

func newImmutablePropertyError(e *entity.Entity, id int64, diff entity.PropertyDiff, props []string) *ImmutablePropertyError {
	return &ImmutablePropertyError{
		Message:    "editing immutable properties is not permitted",
		Entity:     e,
		ID:         id,
		Diff:       diff,
		Properties: props,
	}
}
