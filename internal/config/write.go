package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteDefault creates a commented default configuration file at path. If
// the file already exists it is left alone and created is false. The parent
// directory is created with 0700 permissions and the file with 0600.
func WriteDefault(fs afero.Fs, path string) (created bool, err error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(defaultConfigTemplate), 0o600); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}
