package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/vchain/internal/policy"
)

// CompilePolicy parses a CUE value into a protection policy:
//
//	policy: Obs: {
//		mutable: ["comment"]      // optional, retirement fields always included
//		ignore_retired: true      // optional, default true
//		void_reason: "Corrected"  // optional
//	}
func CompilePolicy(v cue.Value) (*policy.Policy, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	var typ string
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		typ = labels[len(labels)-1].String()
	}

	var mutable []string
	mutableVal := v.LookupPath(cue.ParsePath("mutable"))
	if mutableVal.Exists() {
		iter, err := mutableVal.List()
		if err != nil {
			return nil, &CompileError{
				Field:   "mutable",
				Message: "mutable must be a list of property names",
				Pos:     mutableVal.Pos(),
			}
		}
		for iter.Next() {
			name, err := iter.Value().String()
			if err != nil {
				return nil, &CompileError{
					Field:   "mutable",
					Message: "mutable entries must be strings",
					Pos:     iter.Value().Pos(),
				}
			}
			mutable = append(mutable, name)
		}
	}

	ignoreRetired := true
	if irVal := v.LookupPath(cue.ParsePath("ignore_retired")); irVal.Exists() {
		b, err := irVal.Bool()
		if err != nil {
			return nil, &CompileError{
				Field:   "ignore_retired",
				Message: "ignore_retired must be a bool",
				Pos:     irVal.Pos(),
			}
		}
		ignoreRetired = b
	}

	p := policy.New(typ, ignoreRetired, mutable...)

	if reasonVal := v.LookupPath(cue.ParsePath("void_reason")); reasonVal.Exists() {
		reason, err := reasonVal.String()
		if err != nil {
			return nil, &CompileError{
				Field:   "void_reason",
				Message: "void_reason must be a string",
				Pos:     reasonVal.Pos(),
			}
		}
		p.VoidReason = reason
	}

	return &p, nil
}
