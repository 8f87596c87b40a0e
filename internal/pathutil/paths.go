// Package pathutil resolves user paths: a leading ~ and the XDG base
// directories cmdgate keeps its files under.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// App is the directory name used under each XDG base directory.
const App = "cmdgate"

// userHomeDir is replaced in tests.
var userHomeDir = os.UserHomeDir

// ExpandHome replaces a leading "~" or "~/" in path with the user's home
// directory. Other paths, including "~user", are returned unchanged, as is
// everything when the home directory cannot be determined.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	home, err := userHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// ConfigDir returns $XDG_CONFIG_HOME/cmdgate, or ~/.config/cmdgate.
func ConfigDir() string {
	return appDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/cmdgate, or ~/.local/state/cmdgate.
func StateDir() string {
	return appDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

func appDir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := userHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(ExpandHome(base), App)
}
