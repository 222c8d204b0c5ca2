package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/entity"
)

// VoidOptions holds flags for the void command.
type VoidOptions struct {
	*RootOptions
	Reason string
}

// NewVoidCommand creates the void command.
func NewVoidCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VoidOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "void <id>",
		Short: "Retire an entity without replacing it",
		Long: `Mark an entity voided, recording who voided it, when, and why.

Voiding an already voided entity leaves it unchanged.

Examples:
  vchain void 42 --reason "entered on wrong patient"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVoid(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the entity is voided (required)")

	return cmd
}

func runVoid(opts *VoidOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	id, err := parseID(arg)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "invalid id", err)
	}
	if opts.Reason == "" {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "--reason is required", nil)
	}

	ws, err := openWorkspace(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer ws.Close()

	var voided *entity.Entity
	err = ws.session.Transaction(ws.context(cmd.Context()), func(ctx context.Context) error {
		e, err := ws.session.Void(ctx, id, opts.Reason)
		voided = e
		return err
	})
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to void %d", id), err)
	}

	formatter.VerboseLog("Voided %s", voided.Label())
	return formatter.Success(NewEntityView(voided))
}
