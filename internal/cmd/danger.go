package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/config"
	"github.com/xdg/cmdgate/internal/security"
	"github.com/xdg/cmdgate/internal/term"
)

var dangerCmd = &cobra.Command{
	Use:   "danger [PATTERN...]",
	Short: "Assess how destructive a command line is",
	Long: `Classify a command line as safe, warn or high-risk.

The assessment is advisory and never blocks execution. Pass the command line
as one quoted argument (or after --), or name a catalog command with
--command to assess its pattern.`,
	Example: `  cmdgate danger 'rm -rf /tmp/build'
  cmdgate danger -- dd if=/dev/zero of=/dev/sda
  cmdgate danger --command cleanup`,
	RunE: runDanger,
}

var dangerFlags struct {
	command string
}

func init() {
	dangerCmd.Flags().StringVar(&dangerFlags.command, "command", "", "assess the pattern of a catalog command")
	rootCmd.AddCommand(dangerCmd)
}

func runDanger(cmd *cobra.Command, args []string) error {
	var pattern string
	switch {
	case dangerFlags.command != "" && len(args) > 0:
		return errors.New("pass either a pattern or --command, not both")
	case dangerFlags.command != "":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := lookupCommand(cmd, cfg, dangerFlags.command)
		if err != nil {
			return err
		}
		pattern = c.Pattern
	case len(args) > 0:
		pattern = strings.Join(args, " ")
	default:
		return errors.New("nothing to assess; pass a pattern or --command NAME")
	}

	d := security.DetectDanger(pattern)
	if d.Warning == "" {
		term.Println(d.Level)
		return nil
	}
	term.Printf("%s: %s\n", d.Level, d.Warning)
	return nil
}

func lookupCommand(cmd *cobra.Command, cfg *config.Config, name string) (*catalog.Command, error) {
	cat, err := catalog.Load(appFs, cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return cat.Get(cmd.Context(), name)
}
