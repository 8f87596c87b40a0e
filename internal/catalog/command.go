// Package catalog defines the registered command model and the sources that
// provide it. Commands are immutable for the duration of one invocation.
package catalog

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Mode selects the backend that runs a command.
type Mode string

// Execution modes.
const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeAgent  Mode = "agent"
)

// ParseMode normalizes a mode name. An empty name is ModeLocal. "ssh" is
// accepted as an alias for ModeRemote.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ModeLocal, nil
	case "remote", "ssh":
		return ModeRemote, nil
	case "agent":
		return ModeAgent, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

// Status is the administrative state of a command.
type Status string

// Command states.
const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// ParseStatus normalizes a status name. An empty name is StatusActive.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active":
		return StatusActive, nil
	case "disabled":
		return StatusDisabled, nil
	default:
		return "", fmt.Errorf("unknown command status %q", s)
	}
}

// DefaultTimeout is used when a command declares no timeout.
const DefaultTimeout = 30 * time.Second

// DefaultSSHPort is used when a remote target declares no port.
const DefaultSSHPort = 22

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name      string `yaml:"name" toml:"name"`
	Type      string `yaml:"type,omitempty" toml:"type,omitempty"`
	Default   string `yaml:"default,omitempty" toml:"default,omitempty"`
	Required  bool   `yaml:"required,omitempty" toml:"required,omitempty"`
	Sensitive bool   `yaml:"sensitive,omitempty" toml:"sensitive,omitempty"`
}

// RemoteTarget is the SSH destination of a remote command. Secrets arrive
// decrypted and are never written back.
type RemoteTarget struct {
	Host       string `yaml:"host" toml:"host"`
	Port       int    `yaml:"port,omitempty" toml:"port,omitempty"`
	Username   string `yaml:"username,omitempty" toml:"username,omitempty"`
	Password   string `yaml:"password,omitempty" toml:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty" toml:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty" toml:"passphrase,omitempty"`
}

// EffectivePort returns Port, or DefaultSSHPort when unset.
func (t RemoteTarget) EffectivePort() int {
	if t.Port <= 0 {
		return DefaultSSHPort
	}
	return t.Port
}

// Addr returns host:port suitable for net.Dial.
func (t RemoteTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.EffectivePort()))
}

// Label returns user@host:port. It never includes credentials.
func (t RemoteTarget) Label() string {
	return fmt.Sprintf("%s@%s:%d", t.Username, t.Host, t.EffectivePort())
}

// HasCredentials reports whether a password or private key is configured.
func (t RemoteTarget) HasCredentials() bool {
	return strings.TrimSpace(t.Password) != "" || strings.TrimSpace(t.PrivateKey) != ""
}

// IsLoopback reports whether host is empty or names the gateway itself.
func IsLoopback(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Command is a registered command definition.
type Command struct {
	Name           string            `yaml:"name" toml:"name"`
	Description    string            `yaml:"description,omitempty" toml:"description,omitempty"`
	Group          string            `yaml:"group,omitempty" toml:"group,omitempty"`
	Tags           []string          `yaml:"tags,omitempty" toml:"tags,omitempty"`
	Pattern        string            `yaml:"pattern" toml:"pattern"`
	Params         []ParamSpec       `yaml:"params,omitempty" toml:"params,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Mode           Mode              `yaml:"mode,omitempty" toml:"mode,omitempty"`
	Status         Status            `yaml:"status,omitempty" toml:"status,omitempty"`
	TimeoutSeconds int               `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Remote         *RemoteTarget     `yaml:"remote,omitempty" toml:"remote,omitempty"`
}

// Active reports whether the command may be executed.
func (c *Command) Active() bool {
	return c.Status == "" || c.Status == StatusActive
}

// Timeout returns the declared timeout, or DefaultTimeout when unset.
func (c *Command) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Param returns the spec for name.
func (c *Command) Param(name string) (ParamSpec, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// ParamTypes maps each declared parameter to its type for validation.
func (c *Command) ParamTypes() map[string]string {
	types := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		types[p.Name] = p.Type
	}
	return types
}

// Catalog resolves command definitions by name.
type Catalog interface {
	// Get returns the named command or a CommandNotFound error.
	Get(ctx context.Context, name string) (*Command, error)
	// List returns every command in declaration order.
	List(ctx context.Context) ([]Command, error)
}
