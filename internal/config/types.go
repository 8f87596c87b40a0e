// Package config provides the cmdgate configuration types. These types map
// to a single YAML file, typically ~/.config/cmdgate/config.yaml.
package config

import (
	"time"

	"github.com/xdg/cmdgate/internal/sshpool"
)

// Config is the top-level gateway configuration.
type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog"`
	Security SecurityConfig `yaml:"security"`
	Local    LocalConfig    `yaml:"local"`
	SSH      sshpool.Config `yaml:"ssh"`
	HostKeys HostKeysConfig `yaml:"host_keys"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
}

// CatalogConfig locates the command catalog. The format follows the file
// extension: .toml is TOML, anything else is YAML.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig controls parameter validation.
type SecurityConfig struct {
	// Strict enables the special-character and whitelist layers.
	Strict bool `yaml:"strict"`
}

// LocalConfig controls the local executor.
type LocalConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
	Workdir        string        `yaml:"workdir,omitempty"`
}

// HostKeysConfig locates the host identity store.
type HostKeysConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig locates the execution audit log.
type AuditConfig struct {
	File string `yaml:"file"`
}

// LogConfig contains diagnostic logging settings.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}
