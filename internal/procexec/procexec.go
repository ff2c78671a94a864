// Package procexec runs external flashing tools and maps their exit codes
// to operator-facing messages.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
)

// UnknownFailure is the message for exit codes missing from a Table.
const UnknownFailure = "Unknown Failure"

// Runner runs a command and returns its combined output and exit code. A
// non-nil error means the command could not be run to completion; a
// non-zero exit code alone is not an error.
type Runner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (output string, exitCode int, err error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct {
	// Dir is the working directory. Empty means the current directory.
	Dir    string
	Logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Runner = (*ExecRunner)(nil)

// Run executes args[0] with the remaining arguments. The process is killed
// when timeout elapses or ctx is cancelled. Terminal escape sequences are
// stripped from the output.
func (r *ExecRunner) Run(ctx context.Context, args []string, timeout time.Duration) (string, int, error) {
	if len(args) == 0 {
		return "", -1, errors.New("empty command")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	output := stripansi.Strip(buf.String())

	if r.Logger != nil {
		r.Logger.Debug("command finished",
			"command", strings.Join(args, " "),
			"elapsed", time.Since(start),
			"error", err,
		)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return output, -1, fmt.Errorf("%s timed out after %s: %w", args[0], timeout, ctxErr)
		}
		return output, -1, fmt.Errorf("%s: %w", args[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode(), nil
	}
	if err != nil {
		return output, -1, fmt.Errorf("run %s: %w", args[0], err)
	}
	return output, 0, nil
}

// Table maps tool exit codes to operator-facing messages.
type Table map[int]string

// Message returns the message for code.
func (t Table) Message(code int) string {
	if msg, ok := t[code]; ok {
		return msg
	}
	return UnknownFailure
}

// Error builds the error for a failed exit code.
func (t Table) Error(code int) *ExitError {
	return &ExitError{Code: code, Message: t.Message(code)}
}

// ExitError is a tool failure identified by its exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d: %s", e.Code, e.Message)
}

// ErrorCode returns the tool exit code.
func (e *ExitError) ErrorCode() int {
	return e.Code
}
