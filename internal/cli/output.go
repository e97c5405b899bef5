package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands. Codes above 2 follow sysexits(3).
const (
	ExitSuccess      = 0  // Successful execution
	ExitFailure      = 1  // Generic failure, including an aborted run
	ExitCommandError = 2  // Usage error (bad flags, unreadable roster or config)
	ExitDataErr      = 65 // An implementation answered wrongly or errored (smoke), or the input cases are malformed
	ExitNoInput      = 66 // No test case to run
	ExitConfig       = 78 // An implementation failed to start or rejected its dialect, or none is usable
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
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
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope for command results other than a full
// run report.
type CLIResponse struct {
	Status string      `json:"status"` // "ok" or "failed"
	Data   interface{} `json:"data,omitempty"`
}

// JSON reports whether output should be machine-readable.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success outputs a result in the configured format. In text mode data is
// printed with fmt.
func (f *OutputFormatter) Success(data interface{}) error {
	return f.emit("ok", data)
}

// Failed outputs a result that carries failures.
func (f *OutputFormatter) Failed(data interface{}) error {
	return f.emit("failed", data)
}

func (f *OutputFormatter) emit(status string, data interface{}) error {
	if f.JSON() {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: status, Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}
