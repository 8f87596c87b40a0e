package cmd

import (
	"errors"
	"fmt"

	"github.com/xdg/cmdgate/internal/gateerr"
)

// ExitCodeError carries a process exit code out of a command. Commands
// return it after they have already told the operator what went wrong.
type ExitCodeError struct {
	Code int
}

// NewExitCodeError creates an ExitCodeError with the given code.
func NewExitCodeError(code int) *ExitCodeError {
	return &ExitCodeError{Code: code}
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// exitCodeFor maps err to a process exit code. Gateway errors use their
// kind's exit code; anything else exits 1.
func exitCodeFor(err error) int {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var ge *gateerr.Error
	if errors.As(err, &ge) {
		return ge.Kind.ExitCode()
	}
	return 1
}

// commandExitCode maps a command's exit status to ours. A missing status
// (-1) and codes outside 1-255 become 1.
func commandExitCode(code int) int {
	if code < 1 || code > 255 {
		return 1
	}
	return code
}
