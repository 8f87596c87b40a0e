package cmd

import (
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/term"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog commands",
	Long: `List the commands in the catalog.

Displays name, execution mode, status, danger level of the command pattern,
and the remote target in a table format.`,
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var listFlags struct {
	group string
}

func init() {
	listCmd.Flags().StringVar(&listFlags.group, "group", "", "only list commands in this group")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	cmds, err := a.catalog.List(cmd.Context())
	if err != nil {
		return err
	}
	if listFlags.group != "" {
		cmds = lo.Filter(cmds, func(c catalog.Command, _ int) bool { return c.Group == listFlags.group })
	}

	if len(cmds) == 0 {
		term.Println("No commands in catalog.")
		return nil
	}

	rows := [][]string{{"NAME", "MODE", "STATUS", "DANGER", "TARGET"}}
	for _, c := range cmds {
		target := "-"
		if c.Remote != nil {
			target = c.Remote.Label()
		}
		rows = append(rows, []string{
			c.Name,
			string(c.Mode),
			string(c.Status),
			a.dispatcher.DangerOf(c.Pattern).Level.String(),
			target,
		})
	}
	term.Table(rows)
	return nil
}
