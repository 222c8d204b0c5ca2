package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the version chain ending at an entity",
		Long: `Show an entity and every version it replaced, newest first.

Pass the id of the newest version to see the whole chain.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runHistory(opts *RootOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	id, err := parseID(arg)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "invalid id", err)
	}

	ws, err := openWorkspace(opts, formatter)
	if err != nil {
		return err
	}
	defer ws.Close()

	chain, err := ws.session.History(cmd.Context(), id)
	if err != nil {
		return reportError(formatter, dataErrorCode(err), ExitCommandError, fmt.Sprintf("failed to read history of %d", id), err)
	}
	return formatter.Success(NewEntityList(chain))
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	All bool // include voided records
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list [type]",
		Short: "List stored entities",
		Long: `List active entities, optionally of one type, in id order.

Voided records are hidden unless --all is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := ""
			if len(args) == 1 {
				typ = args[0]
			}
			return runList(opts, typ, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include voided entities")

	return cmd
}

func runList(opts *ListOptions, typ string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ws, err := openWorkspace(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer ws.Close()

	if typ != "" {
		if _, ok := ws.bundle.Schema(typ); !ok {
			return reportError(formatter, ErrCodeNotFound, ExitCommandError, "unknown entity type "+typ, nil)
		}
	}

	entities, err := ws.store.ListEntities(cmd.Context(), typ, opts.All)
	if err != nil {
		return reportError(formatter, ErrCodeGeneric, ExitCommandError, "failed to list entities", err)
	}
	return formatter.Success(NewEntityList(entities))
}
