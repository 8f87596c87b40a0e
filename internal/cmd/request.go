package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/dispatch"
	"github.com/xdg/cmdgate/internal/prompt"
)

// secrets reads values for --ask. Tests replace it with a mock.
var secrets prompt.SecretReader = prompt.NewTerminal(os.Stdin, os.Stderr)

// requestFlags are the flags shared by run and stream.
type requestFlags struct {
	params  []string
	env     []string
	timeout time.Duration
	subject string
	ask     bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringArrayVarP(&f.params, "param", "p", nil, "parameter value as `name=value` (repeatable)")
	fl.StringArrayVarP(&f.env, "env", "e", nil, "environment variable as `NAME=value` (repeatable)")
	fl.DurationVar(&f.timeout, "timeout", 0, "execution timeout (default: the command's timeout)")
	fl.StringVar(&f.subject, "subject", os.Getenv("USER"), "caller identity recorded in the audit log")
	fl.BoolVar(&f.ask, "ask", false, "prompt for missing sensitive parameters")
}

// request builds a dispatch request for the named command.
func (f *requestFlags) request(ctx context.Context, cat catalog.Catalog, name string) (dispatch.Request, error) {
	params, err := parseAssignments(f.params, "--param")
	if err != nil {
		return dispatch.Request{}, err
	}
	env, err := parseAssignments(f.env, "--env")
	if err != nil {
		return dispatch.Request{}, err
	}
	if f.timeout < 0 {
		return dispatch.Request{}, fmt.Errorf("--timeout must not be negative")
	}
	if f.ask {
		if err := askSensitive(ctx, cat, name, params); err != nil {
			return dispatch.Request{}, err
		}
	}
	return dispatch.Request{
		Command: name,
		Params:  params,
		Env:     env,
		Timeout: f.timeout,
		Subject: f.subject,
	}, nil
}

// parseAssignments splits name=value pairs. The value may contain '='.
func parseAssignments(pairs []string, flag string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%s %q: expected name=value", flag, p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

// askSensitive prompts for sensitive parameters that have no value and no
// default. Unknown commands are left for the dispatcher to reject.
func askSensitive(ctx context.Context, cat catalog.Catalog, name string, params map[string]string) error {
	cmd, err := cat.Get(ctx, name)
	if err != nil {
		return nil //nolint:nilerr // reported by the dispatcher
	}
	for _, p := range cmd.Params {
		if !p.Sensitive || params[p.Name] != "" || p.Default != "" {
			continue
		}
		v, err := secrets.ReadSecret(p.Name)
		if err != nil {
			return err
		}
		params[p.Name] = v
	}
	return nil
}
