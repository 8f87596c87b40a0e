package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/pathutil"
)

// Load reads the configuration at path from fs, applies the overrides set
// in v and validates the result. If the file doesn't exist, the defaults
// are used. All paths containing ~ are expanded to the home directory.
func Load(fs afero.Fs, path string, v *viper.Viper) (*Config, error) {
	clog.Debug("config: loading %s", path)

	cfg := DefaultConfig()
	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		clog.Debug("config: %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := Overlay(cfg, v); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	expandPaths(cfg)
	return cfg, nil
}

// expandPaths expands ~ to the home directory in all path fields.
func expandPaths(cfg *Config) {
	cfg.Catalog.Path = pathutil.ExpandHome(cfg.Catalog.Path)
	cfg.Local.Workdir = pathutil.ExpandHome(cfg.Local.Workdir)
	cfg.HostKeys.Path = pathutil.ExpandHome(cfg.HostKeys.Path)
	cfg.Audit.File = pathutil.ExpandHome(cfg.Audit.File)
	cfg.Log.File = pathutil.ExpandHome(cfg.Log.File)
}
