// Package executor provides the interface and types for command execution,
// and the local backend that runs commands as child processes of the gateway.
package executor

import (
	"context"
	"time"
)

// Executor runs a rendered command line to completion.
//
// A non-nil error means the command never started (bad command line, no
// execution slot, backend unavailable). Once a command has started, the
// outcome is always reported through Result, including timeouts.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Streamer runs a rendered command line and delivers output line by line.
// It returns the exit code. A timeout or cancellation returns -1 and an error.
type Streamer interface {
	Stream(ctx context.Context, req Request, onLine LineFunc, register CancelRegistrar) (int, error)
}

// LineFunc receives one line of output without its line terminator.
// stream is StreamStdout or StreamStderr. Calls are serialized.
type LineFunc func(stream, line string)

// CancelRegistrar receives a cancel function before the command starts.
// Calling it stops the command; it is safe to call more than once, and
// after the command has finished.
type CancelRegistrar func(cancel func())

// Stream names passed to LineFunc.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// DefaultTimeout applies when a Request has no timeout.
const DefaultTimeout = 30 * time.Second

// Request describes one execution.
type Request struct {
	// ID identifies the execution in logs and results.
	ID string
	// Command is the rendered command line.
	Command string
	// Env is added to the inherited environment; it wins on conflicts.
	Env map[string]string
	// Workdir overrides the executor's working directory when set.
	Workdir string
	// Timeout bounds the execution; zero means DefaultTimeout.
	Timeout time.Duration
}

func (r Request) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Result is the terminal state of an execution.
type Result struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"` // "completed", "timeout", "error"
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Succeeded reports whether the command ran to completion with exit code 0.
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted && r.ExitCode == 0
}

// Status constants for Result.Status.
const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

// ExitNotFound is reported when the executable does not exist.
const ExitNotFound = 127
