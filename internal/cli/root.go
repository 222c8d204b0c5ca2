package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string // explicit vchain.yaml; empty searches the working directory
	DBPath     string // overrides database.path
	As         string // user recorded as creator/voider; overrides identity.default
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vchain CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vchain",
		Short: "vchain - immutable records with version chains",
		Long: `Store entities whose protected properties can never be edited in place.

Editing an immutable property retires the stored record and creates a new
version linked back to it. Entity types and their mutable properties are
declared in CUE under the policies directory.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./vchain.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides database.path)")
	cmd.PersistentFlags().StringVar(&opts.As, "as", "", "act as this user")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewVoidCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
