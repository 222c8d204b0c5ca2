package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vchain/internal/compiler"
)

// LoadMode controls how errors are handled during policy loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the entity schemas and policies loaded from a
// directory.
type LoadResult struct {
	Bundle    *compiler.Bundle
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during policy loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSpecs loads and compiles the CUE package in dir.
//
// A nil result means nothing could be compiled. With a result, errs holds
// per-declaration compile failures: only the first in LoadModeFailFast,
// all of them in LoadModeCollectAll. Cross-declaration checks are left to
// compiler.ValidateBundle.
func LoadSpecs(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("policies directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing policies directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	bundle, compileErrs := compiler.CompileValue(v)
	result := &LoadResult{
		Bundle:    bundle,
		CUEValue:  v,
		FileCount: len(cueFiles),
	}

	var errs []error
	for _, err := range compileErrs {
		errs = append(errs, convertCompileError(err))
		if mode == LoadModeFailFast {
			return result, errs
		}
	}

	if len(bundle.Schemas) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no entities or policies found"})
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with
// position info.
func convertCompileError(err error) *LoadError {
	label := ""
	var labeled *compiler.LabeledError
	if errors.As(err, &labeled) {
		label = labeled.Label
	}

	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		msg := compileErr.Message
		if label != "" {
			msg = label + ": " + msg
		}
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: msg,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: err.Error(),
	}
}

// Error code constants, unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path or entity not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // Database or file write error

	// Declaration errors share the compiler's validation codes.
	ErrCodeNoProperties  = compiler.ErrEntityNoProperties
	ErrCodeInvalidKind   = compiler.ErrInvalidKind
	ErrCodeInvalidPolicy = compiler.ErrPolicyMalformed

	// Command input errors
	ErrCodeInvalidInput = "E010" // Bad flag or argument value
	ErrCodeScenario     = "E011" // Scenario failed
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "properties":
		return ErrCodeNoProperties
	case "type":
		return ErrCodeInvalidKind
	case "mutable", "ignore_retired", "void_reason":
		return ErrCodeInvalidPolicy
	default:
		return ErrCodeGeneric
	}
}
