package cmd

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/term"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Diagnose the command catalog",
	Long: `Load the command catalog and report configuration problems: remote
commands without a usable target, templates that chain several commands,
unknown parameter types and undeclared placeholders. The danger level of
every pattern is reported too.

Exits non-zero when any finding is an error.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(appFs, cfg.Catalog.Path)
	if err != nil {
		return err
	}
	cmds, err := cat.List(cmd.Context())
	if err != nil {
		return err
	}

	report := catalog.Diagnose(cmds)
	for _, f := range report.Findings {
		term.Println(f)
	}

	modes := make([]string, 0, len(report.Modes))
	for mode := range report.Modes {
		modes = append(modes, string(mode))
	}
	sort.Strings(modes)
	rows := [][]string{{"MODE", "COMMANDS"}}
	for _, m := range modes {
		rows = append(rows, []string{m, strconv.Itoa(report.Modes[catalog.Mode(m)])})
	}
	term.Table(rows)

	if errs := report.Errors(); len(errs) > 0 {
		term.Error("%s: %d error(s) in %d commands", cfg.Catalog.Path, len(errs), len(cmds))
		return NewExitCodeError(1)
	}
	term.Printf("%s: %d commands OK\n", cfg.Catalog.Path, len(cmds))
	return nil
}
