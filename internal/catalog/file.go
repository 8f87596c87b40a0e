package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// Format is the encoding of a catalog file.
type Format string

// Supported catalog encodings.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the encoding from a file extension. Anything that is not
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// document is the on-disk layout shared by both encodings.
type document struct {
	Commands []Command `yaml:"commands" toml:"commands"`
}

var paramName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Static is an in-memory Catalog built from a fixed list of commands.
// It is safe for concurrent use.
type Static struct {
	commands []Command
	byName   map[string]int
}

// New validates and normalizes cmds into a Static catalog. All problems are
// reported together.
func New(cmds []Command) (*Static, error) {
	s := &Static{
		commands: make([]Command, 0, len(cmds)),
		byName:   make(map[string]int, len(cmds)),
	}
	var result *multierror.Error
	for i := range cmds {
		c := cmds[i]
		if err := normalize(&c); err != nil {
			result = multierror.Append(result, fmt.Errorf("command %d (%q): %w", i+1, c.Name, err))
			continue
		}
		if _, dup := s.byName[c.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("command %q: duplicate name", c.Name))
			continue
		}
		s.byName[c.Name] = len(s.commands)
		s.commands = append(s.commands, c)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes catalog data in the given format. Unknown fields are errors.
// Empty input yields an empty catalog.
func Parse(data []byte, format Format) (*Static, error) {
	var doc document
	if err := strictDecode(data, format, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Commands)
}

// Load reads and parses the catalog file at path from fs.
func Load(fs afero.Fs, path string) (*Static, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	s, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	clog.Debug("catalog: loaded %d commands from %s", len(s.commands), path)
	return s, nil
}

func strictDecode(data []byte, format Format, v any) error {
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		return nil
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err := dec.Decode(v)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
		return nil
	}
}

// normalize fills defaults in place and rejects malformed definitions.
func normalize(c *Command) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(c.Name, " \t\r\n") {
		return errors.New("name must not contain whitespace")
	}
	if strings.TrimSpace(c.Pattern) == "" {
		return errors.New("pattern is required")
	}

	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	status, err := ParseStatus(string(c.Status))
	if err != nil {
		return err
	}
	c.Status = status

	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must not be negative, got %d", c.TimeoutSeconds)
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = int(DefaultTimeout.Seconds())
	}

	seen := make(map[string]bool, len(c.Params))
	for _, p := range c.Params {
		if !paramName.MatchString(p.Name) {
			return fmt.Errorf("invalid parameter name %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Remote != nil {
		c.Remote.Host = strings.TrimSpace(c.Remote.Host)
		if c.Remote.Port < 0 || c.Remote.Port > 65535 {
			return fmt.Errorf("remote port %d out of range", c.Remote.Port)
		}
		if c.Remote.Port == 0 {
			c.Remote.Port = DefaultSSHPort
		}
	}
	return nil
}

// Get returns a copy of the named command.
func (s *Static) Get(_ context.Context, name string) (*Command, error) {
	i, ok := s.byName[name]
	if !ok {
		return nil, gateerr.New(gateerr.CommandNotFound, "command %q not found", name)
	}
	c := s.commands[i]
	return &c, nil
}

// List returns the commands in declaration order.
func (s *Static) List(_ context.Context) ([]Command, error) {
	return append([]Command(nil), s.commands...), nil
}

// Names returns the command names in declaration order.
func (s *Static) Names() []string {
	return lo.Map(s.commands, func(c Command, _ int) string { return c.Name })
}

// Len returns the number of commands.
func (s *Static) Len() int {
	return len(s.commands)
}
