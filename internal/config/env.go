package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xdg/cmdgate/internal/clog"
)

// EnvPrefix prefixes environment overrides: log.level is CMDGATE_LOG_LEVEL.
const EnvPrefix = "CMDGATE"

// NewViper returns a viper instance that reads CMDGATE_ environment
// variables. Callers may bind command-line flags to the same keys. Viper's
// own diagnostics go to clog at debug level.
func NewViper() *viper.Viper {
	logger := slog.New(slog.NewTextHandler(clog.Writer(clog.LevelDebug), &slog.HandlerOptions{Level: slog.LevelDebug}))
	v := viper.NewWithOptions(viper.WithLogger(logger))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

var stringKeys = map[string]func(*Config) *string{
	"catalog.path":   func(c *Config) *string { return &c.Catalog.Path },
	"local.workdir":  func(c *Config) *string { return &c.Local.Workdir },
	"host_keys.path": func(c *Config) *string { return &c.HostKeys.Path },
	"audit.file":     func(c *Config) *string { return &c.Audit.File },
	"log.file":       func(c *Config) *string { return &c.Log.File },
	"log.level":      func(c *Config) *string { return &c.Log.Level },
}

var boolKeys = map[string]func(*Config) *bool{
	"security.strict":     func(c *Config) *bool { return &c.Security.Strict },
	"ssh.enabled":         func(c *Config) *bool { return &c.SSH.Enabled },
	"ssh.test_on_borrow":  func(c *Config) *bool { return &c.SSH.TestOnBorrow },
	"ssh.test_on_return":  func(c *Config) *bool { return &c.SSH.TestOnReturn },
	"ssh.test_while_idle": func(c *Config) *bool { return &c.SSH.TestWhileIdle },
	"ssh.host_key_check":  func(c *Config) *bool { return &c.SSH.HostKeyCheck },
}

var intKeys = map[string]func(*Config) *int{
	"local.max_concurrency": func(c *Config) *int { return &c.Local.MaxConcurrency },
	"ssh.max_per_host":      func(c *Config) *int { return &c.SSH.MaxPerHost },
	"ssh.max_idle_per_host": func(c *Config) *int { return &c.SSH.MaxIdlePerHost },
	"ssh.min_idle_per_host": func(c *Config) *int { return &c.SSH.MinIdlePerHost },
	"ssh.max_total":         func(c *Config) *int { return &c.SSH.MaxTotal },
}

var durationKeys = map[string]func(*Config) *time.Duration{
	"local.queue_timeout":    func(c *Config) *time.Duration { return &c.Local.QueueTimeout },
	"ssh.connect_timeout":    func(c *Config) *time.Duration { return &c.SSH.ConnectTimeout },
	"ssh.borrow_timeout":     func(c *Config) *time.Duration { return &c.SSH.BorrowTimeout },
	"ssh.eviction_interval":  func(c *Config) *time.Duration { return &c.SSH.EvictionInterval },
	"ssh.min_idle_time":      func(c *Config) *time.Duration { return &c.SSH.MinIdleTime },
	"ssh.max_lifetime":       func(c *Config) *time.Duration { return &c.SSH.MaxLifetime },
	"ssh.keepalive_interval": func(c *Config) *time.Duration { return &c.SSH.KeepaliveInterval },
	"ssh.channel_timeout":    func(c *Config) *time.Duration { return &c.SSH.ChannelTimeout },
	"ssh.execution_timeout":  func(c *Config) *time.Duration { return &c.SSH.ExecutionTimeout },
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// OverlayKeys returns every key Overlay understands, sorted.
func OverlayKeys() []string {
	var keys []string
	for k := range stringKeys {
		keys = append(keys, k)
	}
	for k := range boolKeys {
		keys = append(keys, k)
	}
	for k := range intKeys {
		keys = append(keys, k)
	}
	for k := range durationKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Overlay applies every key that is set in v over cfg. A nil v is a no-op.
func Overlay(cfg *Config, v *viper.Viper) error {
	if v == nil {
		return nil
	}
	for _, key := range OverlayKeys() {
		if !v.IsSet(key) {
			continue
		}
		raw := strings.TrimSpace(fmt.Sprint(v.Get(key)))
		if err := apply(cfg, key, raw); err != nil {
			return err
		}
	}
	return nil
}

func apply(cfg *Config, key, raw string) error {
	if field, ok := stringKeys[key]; ok {
		*field(cfg) = raw
		return nil
	}
	if field, ok := boolKeys[key]; ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", key, raw)
		}
		*field(cfg) = b
		return nil
	}
	if field, ok := intKeys[key]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, raw)
		}
		*field(cfg) = n
		return nil
	}
	if field, ok := durationKeys[key]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, raw)
		}
		*field(cfg) = d
		return nil
	}
	return fmt.Errorf("%s: unknown setting", key)
}
