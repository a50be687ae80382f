package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/scanagent/scanagent/agent/internal/config"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran but did not complete (backlog not drained, agent offline)
	ExitCommandError = 2 // Command error (bad config, agent unreachable, unknown id)
)

// ExitError is an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// printer writes command results as JSON or human-readable text.
type printer struct {
	format string
	w      io.Writer
}

// print encodes v as JSON, or calls text for the text format.
func (p printer) print(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

// setupLogging installs the default slog logger and returns its level so a
// config reload can change it. --verbose forces debug.
func setupLogging(w io.Writer, lc config.LogConfig, verbose bool) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(lc.SlogLevel())
	if verbose {
		level.Set(slog.LevelDebug)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return level
}

// stderrLogging sets up logging for the one-shot commands, which keep stdout
// for their own output.
func stderrLogging(opts *RootOptions) {
	lc := config.LogConfig{Level: "warn", Format: "text"}
	setupLogging(os.Stderr, lc, opts.Verbose)
}
