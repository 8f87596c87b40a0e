package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/executor"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/term"
)

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a catalog command and print its output",
	Long: `Run a catalog command to completion and print what it wrote.

Parameters are passed as name=value pairs and are validated against the
command's declared types before the template is rendered. The exit status of
cmdgate follows the command: a non-zero exit is passed through and a timeout
exits 124.`,
	Example: `  cmdgate run ping -p target=db1.internal -p count=2
  cmdgate run disk-usage -p path=/srv --timeout 10s --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runFlags struct {
	requestFlags
	json  bool
	stats bool
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&runFlags.json, "json", false, "print the result as JSON")
	runCmd.Flags().BoolVar(&runFlags.stats, "stats", false, "print SSH pool statistics after the run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx := cmd.Context()
	req, err := runFlags.request(ctx, a.catalog, args[0])
	if err != nil {
		return err
	}

	res, err := a.dispatcher.Execute(ctx, req)
	if err != nil {
		return err
	}

	if runFlags.json {
		enc := json.NewEncoder(term.Stdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	} else {
		term.Output(executor.StreamStdout, res.Stdout)
		term.Output(executor.StreamStderr, res.Stderr)
	}

	if runFlags.stats {
		if err := printPoolStats(a); err != nil {
			return err
		}
	}
	return resultError(args[0], res)
}

// resultError reports a finished execution that did not succeed and returns
// the exit code cmdgate should use.
func resultError(name string, res *executor.Result) error {
	switch res.Status {
	case executor.StatusCompleted:
		if res.ExitCode == 0 {
			return nil
		}
		return NewExitCodeError(commandExitCode(res.ExitCode))
	case executor.StatusTimeout:
		term.Warn("%s timed out after %s", name, res.Duration.Round(time.Millisecond))
		return NewExitCodeError(gateerr.ExecutionTimeout.ExitCode())
	default:
		term.Error("%s failed: %s", name, res.Error)
		return NewExitCodeError(gateerr.ExecutionFailed.ExitCode())
	}
}

// printPoolStats prints the pool summary and the exported pool metrics.
func printPoolStats(a *app) error {
	if a.pool == nil {
		term.Println("ssh pool: disabled")
		return nil
	}
	term.Printf("ssh pool: %s\n", a.dispatcher.PoolStats())

	families, err := a.metrics.Gather()
	if err != nil {
		return fmt.Errorf("gather pool metrics: %w", err)
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			value := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("%s %g", name, value))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		term.Println(l)
	}
	return nil
}
