package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vchain/internal/entity"
)

// CompileEntity parses a CUE value into an entity schema.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the entity struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`entity: Obs: properties: { value: int }`)
//	s, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Obs")))
//
// Property kinds come from CUE types (string, int, bool, lists and structs
// as json) or from a kind name given as a string literal ("time", "ref").
// Declaration order is flush-state order.
func CompileEntity(v cue.Value) (*entity.Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &entity.Schema{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		s.Type = labels[len(labels)-1].String()
	}

	propsVal := v.LookupPath(cue.ParsePath("properties"))
	if !propsVal.Exists() {
		return nil, &CompileError{
			Field:   "properties",
			Message: "properties are required",
			Pos:     v.Pos(),
		}
	}

	iter, err := propsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		kind, err := extractKind(iter.Value())
		if err != nil {
			return nil, err
		}
		s.Properties = append(s.Properties, entity.Property{Name: name, Kind: kind})
	}

	if len(s.Properties) == 0 {
		return nil, &CompileError{
			Field:   "properties",
			Message: "at least one property is required",
			Pos:     propsVal.Pos(),
		}
	}
	return s, nil
}

// extractKind converts a CUE property declaration to a property kind.
// Floats are forbidden.
func extractKind(v cue.Value) (entity.Kind, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		if !v.IsConcrete() {
			return entity.KindString, nil
		}
		name, err := v.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		kind, err := entity.ParseKind(name)
		if err != nil {
			return "", &CompileError{Field: "type", Message: err.Error(), Pos: v.Pos()}
		}
		return kind, nil
	case cue.IntKind:
		return entity.KindInt, nil
	case cue.BoolKind:
		return entity.KindBool, nil
	case cue.ListKind, cue.StructKind:
		return entity.KindJSON, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
