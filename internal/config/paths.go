package config

import "github.com/xdg/cmdgate/internal/pathutil"

// Dir returns the configuration directory with a trailing slash:
// $XDG_CONFIG_HOME/cmdgate/ or ~/.config/cmdgate/.
func Dir() string {
	return pathutil.ConfigDir() + "/"
}

// DefaultPath returns Dir() + "config.yaml".
func DefaultPath() string {
	return Dir() + "config.yaml"
}
