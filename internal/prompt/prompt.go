// Package prompt asks the operator questions on the terminal. Every prompt
// is an interface so commands can be tested with the mocks in this package.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Confirmer asks yes/no questions.
type Confirmer interface {
	// Confirm shows question and returns the answer. Empty input returns
	// defaultYes.
	Confirm(question string, defaultYes bool) (bool, error)
}

// Selector asks the operator to pick one of several options.
type Selector interface {
	// Select shows a numbered list and returns the zero-based index chosen.
	// Empty input returns defaultIdx.
	Select(question string, options []string, defaultIdx int) (int, error)
}

// SecretReader reads a value without echoing it.
type SecretReader interface {
	ReadSecret(label string) (string, error)
}

// Stdin implements Confirmer and Selector over line-oriented input.
type Stdin struct {
	in  *bufio.Reader
	out io.Writer
}

// NewStdin creates a Stdin prompter reading r and writing questions to w.
func NewStdin(r io.Reader, w io.Writer) *Stdin {
	return &Stdin{in: bufio.NewReader(r), out: w}
}

func (p *Stdin) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Confirm accepts y, yes, n and no in any case.
func (p *Stdin) Confirm(question string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.out, "%s %s ", question, hint)

	input, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(input) {
	case "":
		return defaultYes, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid answer %q: expected y or n", input)
}

// Select lists options 1-indexed and marks the default.
func (p *Stdin) Select(question string, options []string, defaultIdx int) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("no options provided")
	}
	if defaultIdx < 0 || defaultIdx >= len(options) {
		return 0, fmt.Errorf("default index %d out of range [0, %d)", defaultIdx, len(options))
	}

	_, _ = fmt.Fprintln(p.out, question)
	for i, opt := range options {
		mark := ""
		if i == defaultIdx {
			mark = " (default)"
		}
		_, _ = fmt.Fprintf(p.out, "  %d. %s%s\n", i+1, opt, mark)
	}
	_, _ = fmt.Fprintf(p.out, "Enter selection [%d]: ", defaultIdx+1)

	input, err := p.readLine()
	if err != nil {
		return 0, err
	}
	if input == "" {
		return defaultIdx, nil
	}
	n, err := strconv.Atoi(input)
	if err != nil {
		return 0, fmt.Errorf("invalid selection %q: must be a number", input)
	}
	if n < 1 || n > len(options) {
		return 0, fmt.Errorf("selection %d out of range (1-%d)", n, len(options))
	}
	return n - 1, nil
}

// Terminal reads secrets from a terminal with echo disabled.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal creates a Terminal reading in and writing labels to out.
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{In: in, Out: out}
}

// ReadSecret prints "label: " and reads a line without echo.
func (t *Terminal) ReadSecret(label string) (string, error) {
	_, _ = fmt.Fprintf(t.Out, "%s: ", label)
	b, err := term.ReadPassword(int(t.In.Fd()))
	_, _ = fmt.Fprintln(t.Out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(b), nil
}
