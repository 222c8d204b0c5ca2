package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vchain/internal/harness"
	"github.com/roach88/vchain/internal/value"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated", or "mismatch"
	Errors []string `json:"errors,omitempty"`
}

// RunResult holds the overall result.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r RunResult) renderText(w io.Writer) error {
	if r.Total == 0 {
		_, err := fmt.Fprintln(w, "No scenarios found.")
		return err
	}
	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s", mark, s.Name)
		if s.Golden == "updated" {
			line += " (golden updated)"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, e := range s.Errors {
			if _, err := fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(e, "\n", "\n  ")); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	return err
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file|scenarios-dir>",
		Short: "Run versioning scenarios",
		Long: `Run YAML scenarios against an in-memory database.

Each scenario declares its entity types and policies, seeds records, runs
transactions as named users, and asserts on the stored records. When
golden/<scenario>.golden exists next to a scenario file, the final
records must also match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  vchain run ./scenarios
  vchain run ./scenarios --filter "obs-*"
  vchain run ./scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	info, err := os.Stat(path)
	if err != nil {
		return reportError(formatter, ErrCodeNotFound, ExitCommandError, "scenario path not found: "+path, nil)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = findScenarioFiles(path, opts.Filter)
		if err != nil {
			return reportError(formatter, ErrCodeScanError, ExitCommandError, "failed to find scenarios", err)
		}
	}

	result := RunResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		formatter.VerboseLog("Running %s", file)
		sr := runScenario(file, opts)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d of %d scenario(s) failed", ErrCodeScenario, result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles finds all YAML scenario files under dir, skipping
// golden directories.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario executes a single scenario file and checks it against its
// golden file.
func runScenario(file string, opts *RunOptions) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file)}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	result, err := harness.Run(scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	sr.Errors = result.Errors

	snapshot, err := value.MarshalCanonical(harness.Snapshot(scenario.Name, result))
	if err != nil {
		sr.Errors = append(sr.Errors, fmt.Sprintf("failed to marshal snapshot: %v", err))
		return sr
	}

	goldenPath := goldenFilePath(file)
	switch {
	case opts.Update:
		if err := writeGolden(goldenPath, snapshot); err != nil {
			sr.Errors = append(sr.Errors, err.Error())
			return sr
		}
		sr.Golden = "updated"
	default:
		want, err := os.ReadFile(goldenPath)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to read golden file: %v", err))
			return sr
		}
		if bytes.Equal(want, snapshot) {
			sr.Golden = "match"
		} else {
			sr.Golden = "mismatch"
			sr.Errors = append(sr.Errors, "records do not match golden file (run with --update to regenerate)")
		}
	}

	sr.Pass = len(sr.Errors) == 0
	return sr
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}
