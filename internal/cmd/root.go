// Package cmd implements the CLI commands for cmdgate.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/config"
	"github.com/xdg/cmdgate/internal/term"
	"github.com/xdg/cmdgate/internal/version"
)

// appFs is where configuration, catalogs, host keys and the audit log are
// read and written. Tests swap in a memory filesystem.
var appFs = afero.NewOsFs()

// settings carries CMDGATE_* environment overrides and bound flags.
var settings = config.NewViper()

var rootFlags struct {
	config  string
	catalog string
	debug   bool
	silent  bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cmdgate",
	Short: "Controlled command execution gateway",
	Long: `cmdgate runs operator-approved command templates on this machine or on
remote hosts over SSH.

Commands come from a catalog file. Caller parameters are validated against
each command's declared types and checked for shell injection before the
template is rendered, and every execution is written to the audit log.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		term.SetSilent(rootFlags.silent)
		clog.SetQuiet(rootFlags.silent)
		if rootFlags.debug {
			clog.SetLevel(clog.LevelDebug)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.config, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&rootFlags.catalog, "catalog", "", "command catalog file, overrides catalog.path")
	pf.BoolVar(&rootFlags.debug, "debug", false, "enable debug logging")
	pf.BoolVarP(&rootFlags.silent, "silent", "q", false, "suppress informational output")
	bindFlags()
}

// bindFlags connects persistent flags to their configuration keys.
func bindFlags() {
	_ = settings.BindPFlag("catalog.path", rootCmd.PersistentFlags().Lookup("catalog"))
}

// Execute runs the root command. Errors that are not already an
// ExitCodeError are printed and converted to one.
// SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = clog.Close() }()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	term.Error("%v", err)
	return NewExitCodeError(exitCodeFor(err))
}

func configPath() string {
	if rootFlags.config != "" {
		return rootFlags.config
	}
	return config.DefaultPath()
}

// loadConfig reads the configuration and sets up diagnostic logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(appFs, configPath(), settings)
	if err != nil {
		return nil, err
	}
	level := clog.ParseLevel(cfg.Log.Level)
	if rootFlags.debug {
		level = clog.LevelDebug
	}
	if err := clog.Configure(cfg.Log.File, level); err != nil {
		term.Warn("file logging disabled: %v", err)
	}
	return cfg, nil
}
