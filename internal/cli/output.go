package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/value"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario or validation failure
	ExitCommandError = 2 // Command error (bad arguments, missing database, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
// In text mode data is printed with fmt.Println unless it implements
// textRenderer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(textRenderer); ok {
		return r.renderText(f.Writer)
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Verbose logs go to ErrWriter when set so JSON output stays clean.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

type textRenderer interface {
	renderText(w io.Writer) error
}

// EntityView is the CLI rendering of a stored entity.
type EntityView struct {
	ID              int64     `json:"id"`
	UUID            string    `json:"uuid"`
	Type            string    `json:"type"`
	Properties      value.Map `json:"properties"`
	Creator         string    `json:"creator,omitempty"`
	DateCreated     string    `json:"date_created,omitempty"`
	Voided          bool      `json:"voided"`
	VoidedBy        string    `json:"voided_by,omitempty"`
	DateVoided      string    `json:"date_voided,omitempty"`
	VoidReason      string    `json:"void_reason,omitempty"`
	PreviousVersion int64     `json:"previous_version,omitempty"`
}

// NewEntityView converts an entity for output.
func NewEntityView(e *entity.Entity) EntityView {
	v := EntityView{
		ID:              e.ID,
		UUID:            e.UUID,
		Type:            e.Type,
		Properties:      e.Properties,
		Creator:         e.Creator,
		Voided:          e.Voided,
		VoidedBy:        e.VoidedBy,
		VoidReason:      e.VoidReason,
		PreviousVersion: e.PreviousVersion,
	}
	if v.Properties == nil {
		v.Properties = value.Map{}
	}
	if !e.DateCreated.IsZero() {
		v.DateCreated = entity.FormatTime(e.DateCreated)
	}
	if e.DateVoided != nil {
		v.DateVoided = entity.FormatTime(*e.DateVoided)
	}
	return v
}

// line renders the view on one line:
//
//	Obs#43 active prev=#42 by bob at 2024-01-01T09:00:01Z {"value":6}
func (v EntityView) line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%d", v.Type, v.ID)
	if v.Voided {
		fmt.Fprintf(&b, " voided by %s (%s)", v.VoidedBy, v.VoidReason)
	} else {
		b.WriteString(" active")
	}
	if v.PreviousVersion != 0 {
		fmt.Fprintf(&b, " prev=#%d", v.PreviousVersion)
	}
	if v.Creator != "" {
		fmt.Fprintf(&b, " by %s", v.Creator)
	}
	if v.DateCreated != "" {
		fmt.Fprintf(&b, " at %s", v.DateCreated)
	}
	props, err := value.MarshalCanonical(v.Properties)
	if err == nil {
		fmt.Fprintf(&b, " %s", props)
	}
	return b.String()
}

func (v EntityView) renderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, v.line())
	return err
}

// EntityList renders one entity per line in text mode.
type EntityList []EntityView

func (l EntityList) renderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No entities.")
		return err
	}
	for _, v := range l {
		if _, err := fmt.Fprintln(w, v.line()); err != nil {
			return err
		}
	}
	return nil
}

// NewEntityList converts entities for output.
func NewEntityList(entities []*entity.Entity) EntityList {
	out := make(EntityList, len(entities))
	for i, e := range entities {
		out[i] = NewEntityView(e)
	}
	return out
}
