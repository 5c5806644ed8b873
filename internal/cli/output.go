package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Process exit codes: 0 success, 1 resolution or validation failure,
// 2 unusable invocation (missing inputs, broken journal).
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code of a failed command.
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

func (e *ExitError) Unwrap() error { return e.Err }

// failed wraps a domain failure (unresolvable bundle, failed
// resolution) so the process exits with code 1.
func failed(msg string, err error) *ExitError {
	return &ExitError{Code: ExitFailure, Message: msg, Err: err}
}

// unusable wraps an input problem so the process exits with code 2.
func unusable(msg string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: msg, Err: err}
}

// GetExitCode maps an error to the process exit code, defaulting to
// ExitFailure for plain errors.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// message is a plain one-line command result.
type message string

func (m message) String() string { return string(m) }

// printer renders command results on the command's writers. Every
// result type carries its own text rendering via fmt.Stringer and is
// embedded as-is in the JSON envelope.
type printer struct {
	format  string
	out     io.Writer
	errOut  io.Writer
	verbose bool
}

func newPrinter(cmd *cobra.Command, opts *RootOptions) *printer {
	return &printer{
		format:  opts.Format,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
		verbose: opts.Verbose,
	}
}

// response is the JSON envelope shared by all commands.
type response struct {
	Status string     `json:"status"` // "ok" or "error"
	Data   any        `json:"data,omitempty"`
	Error  *errDetail `json:"error,omitempty"`
}

type errDetail struct {
	Code    string `json:"code"` // "E_NO_SLOT", "E_AMBIGUOUS", ...
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Result prints a successful command result.
func (p *printer) Result(r fmt.Stringer) error {
	if p.format == "json" {
		return json.NewEncoder(p.out).Encode(response{Status: "ok", Data: r})
	}
	_, err := fmt.Fprintln(p.out, r)
	return err
}

// Fail prints a command failure. A []string details value is listed
// line by line in text mode; other detail types appear in JSON only.
func (p *printer) Fail(code, msg string, details any) error {
	if p.format == "json" {
		return json.NewEncoder(p.out).Encode(response{
			Status: "error",
			Error:  &errDetail{Code: code, Message: msg, Details: details},
		})
	}
	if _, err := fmt.Fprintf(p.out, "error [%s]: %s\n", code, msg); err != nil {
		return err
	}
	if list, ok := details.([]string); ok {
		for _, d := range list {
			fmt.Fprintf(p.out, "  %s\n", d)
		}
	}
	return nil
}

// Verbosef prints progress chatter on stderr, only with --verbose, so
// it never corrupts JSON output on stdout.
func (p *printer) Verbosef(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Fprintf(p.errOut, format+"\n", args...)
}
