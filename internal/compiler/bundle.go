package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/policy"
)

// Bundle is everything compiled from one CUE instance.
type Bundle struct {
	Schemas  []entity.Schema
	Policies []policy.Policy
}

// LabeledError ties a compile error to the top-level declaration it came
// from, e.g. "entity.Obs".
type LabeledError struct {
	Label string
	Err   error
}

func (e *LabeledError) Error() string {
	return fmt.Sprintf("%s: %v", e.Label, e.Err)
}

func (e *LabeledError) Unwrap() error {
	return e.Err
}

// CompileValue compiles every entity and policy declaration in v.
// All declarations are attempted; every failure is returned.
func CompileValue(v cue.Value) (*Bundle, []error) {
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	b := &Bundle{}
	var errs []error

	if entities := v.LookupPath(cue.ParsePath("entity")); entities.Exists() {
		iter, err := entities.Fields()
		if err != nil {
			errs = append(errs, formatCUEError(err))
		} else {
			for iter.Next() {
				s, err := CompileEntity(iter.Value())
				if err != nil {
					errs = append(errs, &LabeledError{Label: "entity." + iter.Label(), Err: err})
					continue
				}
				b.Schemas = append(b.Schemas, *s)
			}
		}
	}

	if policies := v.LookupPath(cue.ParsePath("policy")); policies.Exists() {
		iter, err := policies.Fields()
		if err != nil {
			errs = append(errs, formatCUEError(err))
		} else {
			for iter.Next() {
				p, err := CompilePolicy(iter.Value())
				if err != nil {
					errs = append(errs, &LabeledError{Label: "policy." + iter.Label(), Err: err})
					continue
				}
				b.Policies = append(b.Policies, *p)
			}
		}
	}

	return b, errs
}

// CompileString compiles CUE source text. filename only labels positions.
func CompileString(src, filename string) (*Bundle, []error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return CompileValue(v)
}

// CompileFiles compiles the given CUE files unified into one value.
func CompileFiles(paths []string) (*Bundle, []error) {
	ctx := cuecontext.New()
	v := ctx.CompileString("")
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, []error{fmt.Errorf("read %s: %w", path, err)}
		}
		v = v.Unify(ctx.CompileBytes(src, cue.Filename(path)))
	}
	return CompileValue(v)
}

// Catalog builds a schema catalog from the bundle.
func (b *Bundle) Catalog() (*entity.Catalog, error) {
	return entity.NewCatalog(b.Schemas...)
}

// Registry builds a policy registry from the bundle.
func (b *Bundle) Registry() (*policy.Registry, error) {
	return policy.NewRegistry(b.Policies...)
}

// Schema returns the compiled schema for typ.
func (b *Bundle) Schema(typ string) (entity.Schema, bool) {
	for _, s := range b.Schemas {
		if s.Type == typ {
			return s, true
		}
	}
	return entity.Schema{}, false
}
