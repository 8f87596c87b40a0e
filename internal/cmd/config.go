package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/config"
	"github.com/xdg/cmdgate/internal/term"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage cmdgate's configuration.

The configuration file is stored at ~/.config/cmdgate/config.yaml
(or $XDG_CONFIG_HOME/cmdgate/config.yaml if XDG_CONFIG_HOME is set).
Any setting can be overridden with a CMDGATE_ environment variable, for
example CMDGATE_SSH_MAX_PER_HOST=10.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective config",
	Long: `Print the effective configuration as YAML, after environment overrides.

If no config file exists, shows the default configuration.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	Args:  cobra.NoArgs,
	Run:   runConfigPath,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default config file",
	Long: `Create the default configuration file if it doesn't exist.

This creates a commented configuration file with all default values.
If the file already exists, this command does nothing.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settings that can be overridden from the environment",
	Args:  cobra.NoArgs,
	Run:   runConfigKeys,
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd, configKeysCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	term.Output("stdout", string(data))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) {
	term.Output("stdout", configPath()+"\n")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	created, err := config.WriteDefault(appFs, path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if !created {
		term.Printf("Config already exists at: %s\n", path)
		return nil
	}
	term.Printf("Created default config at: %s\n", path)
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) {
	rows := [][]string{{"KEY", "VARIABLE"}}
	for _, k := range config.OverlayKeys() {
		rows = append(rows, []string{k, config.EnvVar(k)})
	}
	term.Table(rows)
}
