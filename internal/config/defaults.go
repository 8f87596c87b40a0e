package config

import (
	"path/filepath"
	"time"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/pathutil"
	"github.com/xdg/cmdgate/internal/sshpool"
)

// DefaultConfig returns a Config with all defaults populated. The catalog
// lives under the XDG config directory and everything cmdgate writes lives
// under the XDG state directory.
func DefaultConfig() *Config {
	state := pathutil.StateDir()
	return &Config{
		Catalog: CatalogConfig{
			Path: filepath.Join(pathutil.ConfigDir(), "commands.yaml"),
		},
		Security: SecurityConfig{
			Strict: true,
		},
		Local: LocalConfig{
			MaxConcurrency: 10,
			QueueTimeout:   5 * time.Second,
		},
		SSH: sshpool.DefaultConfig(),
		HostKeys: HostKeysConfig{
			Path: filepath.Join(state, "known_hosts.yaml"),
		},
		Audit: AuditConfig{
			File: filepath.Join(state, "audit.log"),
		},
		Log: LogConfig{
			File:  clog.DefaultLogPath(),
			Level: "info",
		},
	}
}

// defaultConfigTemplate is written by WriteDefault. It documents every
// setting at its default value.
const defaultConfigTemplate = `# cmdgate configuration
#
# Values shown are the defaults. Paths left commented out default to the
# XDG base directories ($XDG_CONFIG_HOME and $XDG_STATE_HOME). Any setting can also be overridden with a
# CMDGATE_ environment variable, for example CMDGATE_LOG_LEVEL=debug or
# CMDGATE_SSH_MAX_PER_HOST=10.

catalog:
  # Command catalog file; .toml files are read as TOML, others as YAML.
  # path: ~/.config/cmdgate/commands.yaml

security:
  # Strict mode also rejects quotes and brackets and requires typed
  # parameters to match their whitelist grammar. Set to false only for
  # catalogs whose callers are trusted.
  strict: true

local:
  max_concurrency: 10
  queue_timeout: 5s

ssh:
  enabled: true
  max_per_host: 5
  max_idle_per_host: 2
  min_idle_per_host: 0
  max_total: 50
  connect_timeout: 10s
  borrow_timeout: 5s
  eviction_interval: 30s
  min_idle_time: 1m
  max_lifetime: 10m
  test_on_borrow: true
  test_on_return: false
  test_while_idle: true
  keepalive_interval: 15s
  host_key_check: true

host_keys:
  # path: ~/.local/state/cmdgate/known_hosts.yaml

audit:
  # Set to "" to disable the audit log.
  # file: ~/.local/state/cmdgate/audit.log

log:
  # file: ~/.local/state/cmdgate/cmdgate.log
  # One of debug, info, warn, error.
  level: info
`
