package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/value"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Set []string // key=value property assignments
	ID  int64    // explicit id; 0 lets the database assign one
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an entity",
		Long: `Create an entity of a declared type and commit it.

Property values that parse as JSON are stored as JSON values (numbers must
be integers); anything else is stored as a string.

Examples:
  vchain create Obs --set concept=weight --set value=5
  vchain create Obs --id 42 --set concept=weight --set value=5 --as nurse`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "property assignment key=value (repeatable)")
	cmd.Flags().Int64Var(&opts.ID, "id", 0, "explicit entity id")

	return cmd
}

func runCreate(opts *CreateOptions, typ string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	props, err := parseAssignments(opts.Set)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "invalid --set", err)
	}
	for name, v := range props {
		if value.IsNull(v) {
			delete(props, name)
		}
	}

	ws, err := openWorkspace(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer ws.Close()

	if _, ok := ws.bundle.Schema(typ); !ok {
		return reportError(formatter, ErrCodeNotFound, ExitCommandError, "unknown entity type "+typ, nil)
	}

	e := entity.New(typ, props)
	e.ID = opts.ID
	err = ws.session.Transaction(ws.context(cmd.Context()), func(ctx context.Context) error {
		return ws.session.Create(ctx, e)
	})
	if err != nil {
		return reportError(formatter, ErrCodeWriteFailed, ExitCommandError, "failed to create "+typ, err)
	}

	formatter.VerboseLog("Created %s", e.Label())
	return formatter.Success(NewEntityView(e))
}
