// Package term writes user-facing CLI output. Diagnostics belong in
// internal/clog; this package is for what the operator asked to see.
//
// Normal output goes to stdout and is suppressed by --silent. Warnings,
// errors and streamed command output go to their own writers and are never
// suppressed.
package term

import (
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	xterm "golang.org/x/term"
)

type output struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	silent bool
}

var out = &output{stdout: os.Stdout, stderr: os.Stderr}

// SetSilent enables or disables silent mode.
func SetSilent(s bool) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.silent = s
}

// IsSilent returns whether silent mode is enabled.
func IsSilent() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.silent
}

// SetOutput sets the stdout writer. Pass nil to use os.Stdout.
func SetOutput(w io.Writer) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.stdout = w
	if w == nil {
		out.stdout = os.Stdout
	}
}

// SetErrOutput sets the stderr writer. Pass nil to use os.Stderr.
func SetErrOutput(w io.Writer) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.stderr = w
	if w == nil {
		out.stderr = os.Stderr
	}
}

// Printf writes to stdout unless silent.
func Printf(format string, a ...any) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if !out.silent {
		_, _ = fmt.Fprintf(out.stdout, format, a...)
	}
}

// Println writes to stdout with a trailing newline unless silent.
func Println(a ...any) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if !out.silent {
		_, _ = fmt.Fprintln(out.stdout, a...)
	}
}

// Warn writes "Warning: ..." to stderr.
func Warn(format string, a ...any) {
	out.mu.Lock()
	defer out.mu.Unlock()
	_, _ = fmt.Fprintf(out.stderr, "Warning: "+format+"\n", a...)
}

// Error writes "Error: ..." to stderr.
func Error(format string, a ...any) {
	out.mu.Lock()
	defer out.mu.Unlock()
	_, _ = fmt.Fprintf(out.stderr, "Error: "+format+"\n", a...)
}

// Line writes one line of streamed command output as "[stream] line".
// Stream output is what the operator ran, so silent mode does not apply.
// Stderr lines go to stderr.
func Line(stream, line string) {
	out.mu.Lock()
	defer out.mu.Unlock()
	w := out.stdout
	if stream == "stderr" {
		w = out.stderr
	}
	_, _ = fmt.Fprintf(w, "[%s] %s\n", stream, line)
}

// Output copies captured command output verbatim to stdout, or to stderr
// for the "stderr" stream. Like Line, it ignores silent mode.
func Output(stream, text string) {
	if text == "" {
		return
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	w := out.stdout
	if stream == "stderr" {
		w = out.stderr
	}
	_, _ = io.WriteString(w, text)
}

// Table writes tab-separated rows as aligned columns to stdout unless
// silent. The first row is the header.
func Table(rows [][]string) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.silent || len(rows) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out.stdout, 0, 4, 2, ' ', 0)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = io.WriteString(tw, "\t")
			}
			_, _ = io.WriteString(tw, cell)
		}
		_, _ = io.WriteString(tw, "\n")
	}
	_ = tw.Flush()
}

// Stdout returns the stdout writer, or io.Discard when silent.
func Stdout() io.Writer {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.silent {
		return io.Discard
	}
	return out.stdout
}

// Stderr returns the stderr writer.
func Stderr() io.Writer {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.stderr
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && xterm.IsTerminal(int(f.Fd()))
}

// Reset restores the default writers and disables silent mode.
func Reset() {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.stdout = os.Stdout
	out.stderr = os.Stderr
	out.silent = false
}

// Discard drops all output. Useful in tests.
func Discard() {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.stdout = io.Discard
	out.stderr = io.Discard
}
