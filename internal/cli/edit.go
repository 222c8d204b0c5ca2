package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/entity"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Set []string // key=value assignments; null clears
}

// EditResult reports where an edit landed.
type EditResult struct {
	Versioned bool        `json:"versioned"`
	Original  EntityView  `json:"original"`
	Current   *EntityView `json:"current,omitempty"` // the new version when Versioned
}

func (r EditResult) renderText(w io.Writer) error {
	if !r.Versioned {
		_, err := fmt.Fprintf(w, "✓ Updated %s#%d in place\n  %s\n", r.Original.Type, r.Original.ID, r.Original.line())
		return err
	}
	_, err := fmt.Fprintf(w, "✓ Retired %s#%d; new version %s#%d\n  %s\n  %s\n",
		r.Original.Type, r.Original.ID, r.Current.Type, r.Current.ID,
		r.Original.line(), r.Current.line())
	return err
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit an entity",
		Long: `Edit a committed entity.

Edits confined to mutable properties are written in place. Any other
change retires the record and commits a new version linked back to it.
Audit properties such as void_reason may be set directly.

Examples:
  vchain edit 42 --set value=6
  vchain edit 42 --set comment=rechecked
  vchain edit 42 --set comment=null`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "property assignment key=value (repeatable)")

	return cmd
}

func runEdit(opts *EditOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	id, err := parseID(arg)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "invalid id", err)
	}
	if len(opts.Set) == 0 {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "at least one --set is required", nil)
	}
	assignments, err := parseAssignments(opts.Set)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "invalid --set", err)
	}

	ws, err := openWorkspace(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer ws.Close()

	names := make([]string, 0, len(assignments))
	for name := range assignments {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx := ws.context(cmd.Context())
	before, err := ws.session.Latest(ctx, id)
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to read %d", id), err)
	}

	err = ws.session.Transaction(ctx, func(ctx context.Context) error {
		e, err := ws.session.Get(ctx, id)
		if err != nil {
			return err
		}
		schema, ok := ws.bundle.Schema(e.Type)
		if !ok {
			return fmt.Errorf("unknown entity type %q", e.Type)
		}
		diff := entity.NewDiff(schema, nil, e.State(schema))
		for _, name := range names {
			if diff.Index(name) < 0 {
				return fmt.Errorf("%s has no property %q", e.Type, name)
			}
			diff.Set(name, assignments[name])
		}
		return e.ApplyState(schema, diff.Proposed)
	})
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to edit %d", id), err)
	}

	original, err := ws.store.GetEntity(ctx, id)
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to read %d", id), err)
	}
	latest, err := ws.session.Latest(ctx, id)
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to read %d", id), err)
	}

	result := EditResult{Original: NewEntityView(original)}
	if latest.ID != before.ID {
		current := NewEntityView(latest)
		result.Versioned = true
		result.Current = &current
		formatter.VerboseLog("%s versioned as %s", original.Label(), latest.Label())
	}
	return formatter.Success(result)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a positive integer", s)
	}
	return id, nil
}
