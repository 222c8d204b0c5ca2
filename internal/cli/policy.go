package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/compiler"
)

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect entity declarations and immutability policies",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyShowCommand(rootOpts))
	return cmd
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Entities int                        `json:"entities"`
	Policies int                        `json:"policies"`
}

func (r ValidationResult) renderText(w io.Writer) error {
	if r.Valid {
		_, err := fmt.Fprintf(w, "✓ All policies valid (%d entities, %d policies)\n", r.Entities, r.Policies)
		return err
	}
	if _, err := fmt.Fprintf(w, "✗ Validation failed with %d error(s):\n", len(r.Errors)); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if _, err := fmt.Fprintf(w, "  %s\n", e.Error()); err != nil {
			return err
		}
	}
	return nil
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [policies-dir]",
		Short: "Validate entity declarations and policies",
		Long: `Compile the CUE policies directory and check every entity declaration
and policy, reporting all errors found.

The directory defaults to policies.dir from the config.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(rootOpts, args, cmd)
		},
	}
}

func policiesDir(opts *RootOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return "", err
	}
	return cfg.PoliciesDir, nil
}

func runPolicyValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	dir, err := policiesDir(opts, args)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "failed to load config", err)
	}

	loadResult, loadErrors := LoadSpecs(dir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return reportError(formatter, loadErr.Code, ExitCommandError, loadErr.Message, nil)
		}
		return reportError(formatter, ErrCodeGeneric, ExitCommandError, loadErrors[0].Error(), nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)

	var verrs []compiler.ValidationError
	for _, err := range loadErrors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			verrs = append(verrs, compiler.ValidationError{
				Field:   "load",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    lineOf(loadErr),
			})
		}
	}
	verrs = append(verrs, compiler.ValidateBundle(loadResult.Bundle)...)

	result := ValidationResult{
		Valid:    len(verrs) == 0,
		Errors:   verrs,
		Entities: len(loadResult.Bundle.Schemas),
		Policies: len(loadResult.Bundle.Policies),
	}
	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(verrs)))
	}
	return nil
}

func lineOf(e *LoadError) int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// PolicyView describes one entity type and how it is governed.
type PolicyView struct {
	Type          string   `json:"type"`
	Properties    []string `json:"properties"`
	Governed      bool     `json:"governed"`
	Mutable       []string `json:"mutable,omitempty"`
	IgnoreRetired bool     `json:"ignore_retired"`
	VoidReason    string   `json:"void_reason,omitempty"`
}

// PolicyList renders one entity type per line in text mode.
type PolicyList []PolicyView

func (l PolicyList) renderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No entity types.")
		return err
	}
	for _, p := range l {
		line := fmt.Sprintf("%s (%s)", p.Type, strings.Join(p.Properties, ", "))
		if p.Governed {
			line += fmt.Sprintf(" mutable=[%s] ignore_retired=%t void_reason=%q",
				strings.Join(p.Mutable, ", "), p.IgnoreRetired, p.VoidReason)
		} else {
			line += " ungoverned"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func newPolicyShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [policies-dir]",
		Short: "Show entity types and their policies",
		Long: `List every declared entity type with its properties and, when governed,
its mutable properties and retirement settings.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyShow(rootOpts, args, cmd)
		},
	}
}

func runPolicyShow(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	dir, err := policiesDir(opts, args)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "failed to load config", err)
	}
	bundle, err := loadBundle(dir)
	if err != nil {
		return reportError(formatter, ErrCodeLoadFailed, ExitCommandError, "failed to load policies", err)
	}
	registry, err := bundle.Registry()
	if err != nil {
		return reportError(formatter, ErrCodeBuildFailed, ExitCommandError, "failed to build policy registry", err)
	}

	list := make(PolicyList, 0, len(bundle.Schemas))
	for _, s := range bundle.Schemas {
		view := PolicyView{Type: s.Type}
		for _, prop := range s.Properties {
			view.Properties = append(view.Properties, prop.Name+":"+string(prop.Kind))
		}
		if p, ok := registry.Lookup(s.Type); ok {
			view.Governed = true
			view.Mutable = p.Mutable
			view.IgnoreRetired = p.IgnoreRetired
			view.VoidReason = p.Reason()
		}
		list = append(list, view)
	}
	return formatter.Success(list)
}
