package config

import (
	"fmt"
	"time"

	"github.com/xdg/cmdgate/internal/clog"
)

// Validate checks that all fields of cfg contain usable values. It
// validates:
//   - catalog.path and host_keys.path are set
//   - local and ssh limits are positive and consistent
//   - durations are non-negative
//   - log.level is one of: debug, info, warn, error (if non-empty)
//
// Returns nil if the config is valid, or an error naming the first invalid
// field.
func Validate(cfg *Config) error {
	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path: must be set")
	}
	if cfg.HostKeys.Path == "" && cfg.SSH.HostKeyCheck {
		return fmt.Errorf("host_keys.path: must be set when ssh.host_key_check is enabled")
	}

	if cfg.Local.MaxConcurrency < 0 {
		return fmt.Errorf("local.max_concurrency: must be non-negative, got %d", cfg.Local.MaxConcurrency)
	}
	if err := validateDuration(cfg.Local.QueueTimeout, "local.queue_timeout"); err != nil {
		return err
	}

	if err := validatePool(cfg); err != nil {
		return err
	}

	if cfg.Log.Level != "" {
		if _, ok := clog.LookupLevel(cfg.Log.Level); !ok {
			return fmt.Errorf("log.level: invalid value %q, must be one of: debug, info, warn, error", cfg.Log.Level)
		}
	}

	return nil
}

func validatePool(cfg *Config) error {
	p := cfg.SSH
	if p.MaxPerHost < 1 {
		return fmt.Errorf("ssh.max_per_host: must be at least 1, got %d", p.MaxPerHost)
	}
	if p.MaxTotal < p.MaxPerHost {
		return fmt.Errorf("ssh.max_total: must be at least ssh.max_per_host (%d), got %d", p.MaxPerHost, p.MaxTotal)
	}
	if p.MaxIdlePerHost < 0 || p.MaxIdlePerHost > p.MaxPerHost {
		return fmt.Errorf("ssh.max_idle_per_host: must be between 0 and %d, got %d", p.MaxPerHost, p.MaxIdlePerHost)
	}
	if p.MinIdlePerHost < 0 || p.MinIdlePerHost > p.MaxIdlePerHost {
		return fmt.Errorf("ssh.min_idle_per_host: must be between 0 and %d, got %d", p.MaxIdlePerHost, p.MinIdlePerHost)
	}

	durations := []struct {
		field string
		d     time.Duration
	}{
		{"ssh.connect_timeout", p.ConnectTimeout},
		{"ssh.borrow_timeout", p.BorrowTimeout},
		{"ssh.eviction_interval", p.EvictionInterval},
		{"ssh.min_idle_time", p.MinIdleTime},
		{"ssh.max_lifetime", p.MaxLifetime},
		{"ssh.keepalive_interval", p.KeepaliveInterval},
		{"ssh.channel_timeout", p.ChannelTimeout},
		{"ssh.execution_timeout", p.ExecutionTimeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.d, d.field); err != nil {
			return err
		}
	}
	if p.ConnectTimeout == 0 {
		return fmt.Errorf("ssh.connect_timeout: must be positive")
	}
	return nil
}

// validateDuration rejects negative durations. Zero is allowed and means
// "use the built-in default" or "disabled", depending on the field.
func validateDuration(d time.Duration, field string) error {
	if d < 0 {
		return fmt.Errorf("%s: must be non-negative, got %s", field, d)
	}
	return nil
}
