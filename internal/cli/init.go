package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/store"
)

// ExamplePolicyFile is written by init when the policies directory has no
// CUE files.
const ExamplePolicyFile = "obs.cue"

const examplePolicy = `package policies

// Obs is a clinical observation. Corrections to concept or value retire
// the stored record and create a new version; comments edit in place.
entity: Obs: properties: {
	concept: string
	value:   int
	comment: string
	taken:   "time"
}

policy: Obs: {
	mutable: ["comment"]
	void_reason: "Voided and replaced with a new version"
}
`

// InitResult describes what init created.
type InitResult struct {
	Database    string   `json:"database"`
	PoliciesDir string   `json:"policies_dir"`
	Created     []string `json:"created,omitempty"`
}

func (r InitResult) renderText(w io.Writer) error {
	for _, path := range r.Created {
		if _, err := fmt.Fprintf(w, "created %s\n", path); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "✓ Initialized %s (policies in %s)\n", r.Database, r.PoliciesDir)
	return err
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and a policies directory",
		Long: `Create the configured database and policies directory.

An example entity and policy is written when the policies directory
contains no CUE files. Running init again is safe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
	return cmd
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return reportError(formatter, ErrCodeInvalidInput, ExitCommandError, "failed to load config", err)
	}

	result := InitResult{Database: cfg.DatabasePath, PoliciesDir: cfg.PoliciesDir}

	if err := os.MkdirAll(cfg.PoliciesDir, 0o755); err != nil {
		return reportError(formatter, ErrCodeWriteFailed, ExitCommandError, "failed to create policies directory", err)
	}
	files, err := FindCUEFiles(cfg.PoliciesDir)
	if err != nil {
		return reportError(formatter, ErrCodeScanError, ExitCommandError, "failed to scan policies directory", err)
	}
	if len(files) == 0 {
		path := filepath.Join(cfg.PoliciesDir, ExamplePolicyFile)
		if err := os.WriteFile(path, []byte(examplePolicy), 0o644); err != nil {
			return reportError(formatter, ErrCodeWriteFailed, ExitCommandError, "failed to write example policy", err)
		}
		result.Created = append(result.Created, path)
	}

	_, statErr := os.Stat(cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return reportError(formatter, ErrCodeWriteFailed, ExitCommandError, "failed to create database", err)
	}
	if err := st.Close(); err != nil {
		return reportError(formatter, ErrCodeWriteFailed, ExitCommandError, "failed to close database", err)
	}
	if errors.Is(statErr, os.ErrNotExist) {
		result.Created = append(result.Created, cfg.DatabasePath)
	}

	formatter.VerboseLog("Config source: %q", cfg.Source)
	return formatter.Success(result)
}
