// Package sshpool keeps authenticated SSH connections to remote hosts and
// lends them out one borrower at a time.
//
// Connections are keyed by user, host and port. Idle connections are reused
// oldest first, probed with a keepalive request before reuse, and reaped by a
// background evictor once they have been idle too long or lived past their
// maximum lifetime.
package sshpool

import (
	"fmt"
	"time"

	"github.com/xdg/cmdgate/internal/catalog"
)

// Config holds pool limits and timeouts. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	Enabled bool `yaml:"enabled"`

	MaxPerHost     int `yaml:"max_per_host"`
	MaxIdlePerHost int `yaml:"max_idle_per_host"`
	MinIdlePerHost int `yaml:"min_idle_per_host"`
	MaxTotal       int `yaml:"max_total"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	BorrowTimeout    time.Duration `yaml:"borrow_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	MinIdleTime      time.Duration `yaml:"min_idle_time"`
	MaxLifetime      time.Duration `yaml:"max_lifetime"`

	TestOnBorrow  bool `yaml:"test_on_borrow"`
	TestOnReturn  bool `yaml:"test_on_return"`
	TestWhileIdle bool `yaml:"test_while_idle"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	HostKeyCheck      bool          `yaml:"host_key_check"`

	// ChannelTimeout bounds opening a session channel; zero means ConnectTimeout.
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	// ExecutionTimeout overrides the caller's timeout when positive.
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxPerHost:        5,
		MaxIdlePerHost:    2,
		MinIdlePerHost:    0,
		MaxTotal:          50,
		ConnectTimeout:    10 * time.Second,
		BorrowTimeout:     5 * time.Second,
		EvictionInterval:  30 * time.Second,
		MinIdleTime:       60 * time.Second,
		MaxLifetime:       10 * time.Minute,
		TestOnBorrow:      true,
		TestOnReturn:      false,
		TestWhileIdle:     true,
		KeepaliveInterval: 15 * time.Second,
		HostKeyCheck:      true,
	}
}

// EffectiveChannelTimeout returns ChannelTimeout, or ConnectTimeout when
// ChannelTimeout is not set.
func (c Config) EffectiveChannelTimeout() time.Duration {
	if c.ChannelTimeout > 0 {
		return c.ChannelTimeout
	}
	return c.ConnectTimeout
}

// Key identifies the connections that may be shared.
type Key struct {
	Host string
	Port int
	User string
}

// KeyFor returns the pool key for target.
func KeyFor(target catalog.RemoteTarget) Key {
	return Key{Host: target.Host, Port: target.EffectivePort(), User: target.Username}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.User, k.Host, k.Port)
}
