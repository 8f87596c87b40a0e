package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/xdg/cmdgate/internal/gateerr"
)

const sampleYAML = `
commands:
  - name: ping
    description: Ping a host
    group: network
    tags: [diag]
    pattern: "ping {{target}} -c {{count}}"
    params:
      - name: target
        type: hostname
        required: true
      - name: count
        type: integer
        default: "4"
    timeout: 10
  - name: disk
    pattern: "df -h {{mount}}"
    mode: ssh
    status: disabled
    env:
      LANG: C
    params:
      - name: mount
        type: path
    remote:
      host: db1.example.com
      username: ops
      password: hunter2
`

const sampleTOML = `
[[commands]]
name = "ping"
description = "Ping a host"
group = "network"
tags = ["diag"]
pattern = "ping {{target}} -c {{count}}"
timeout = 10

  [[commands.params]]
  name = "target"
  type = "hostname"
  required = true

  [[commands.params]]
  name = "count"
  type = "integer"
  default = "4"

[[commands]]
name = "disk"
pattern = "df -h {{mount}}"
mode = "ssh"
status = "disabled"

  [commands.env]
  LANG = "C"

  [[commands.params]]
  name = "mount"
  type = "path"

  [commands.remote]
  host = "db1.example.com"
  username = "ops"
  password = "hunter2"
`

func wantSample() []Command {
	return []Command{
		{
			Name:        "ping",
			Description: "Ping a host",
			Group:       "network",
			Tags:        []string{"diag"},
			Pattern:     "ping {{target}} -c {{count}}",
			Params: []ParamSpec{
				{Name: "target", Type: "hostname", Required: true},
				{Name: "count", Type: "integer", Default: "4"},
			},
			Mode:           ModeLocal,
			Status:         StatusActive,
			TimeoutSeconds: 10,
		},
		{
			Name:           "disk",
			Pattern:        "df -h {{mount}}",
			Params:         []ParamSpec{{Name: "mount", Type: "path"}},
			Env:            map[string]string{"LANG": "C"},
			Mode:           ModeRemote,
			Status:         StatusDisabled,
			TimeoutSeconds: 30,
			Remote:         &RemoteTarget{Host: "db1.example.com", Port: 22, Username: "ops", Password: "hunter2"},
		},
	}
}

// TestParseFormats verifies YAML and TOML produce the same normalized catalog.
func TestParseFormats(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"yaml", sampleYAML, FormatYAML},
		{"toml", sampleTOML, FormatTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			got, _ := s.List(context.Background())
			if diff := cmp.Diff(wantSample(), got); diff != "" {
				t.Errorf("List() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("commands:\n  - name: x\n    patern: ls\n"), FormatYAML); err == nil {
		t.Error("YAML with unknown field should fail")
	}
	if _, err := Parse([]byte("[[commands]]\nname = \"x\"\npatern = \"ls\"\n"), FormatTOML); err == nil {
		t.Error("TOML with unknown field should fail")
	}
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse(nil, FormatYAML)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

// TestNewReportsAllProblems verifies every invalid definition is reported.
func TestNewReportsAllProblems(t *testing.T) {
	_, err := New([]Command{
		{Name: "", Pattern: "ls"},
		{Name: "a", Pattern: ""},
		{Name: "b", Pattern: "ls", Mode: "docker"},
		{Name: "c", Pattern: "ls", Status: "paused"},
		{Name: "d", Pattern: "ls", TimeoutSeconds: -1},
		{Name: "e", Pattern: "ls", Params: []ParamSpec{{Name: "bad-name"}}},
		{Name: "f", Pattern: "ls", Params: []ParamSpec{{Name: "x"}, {Name: "x"}}},
		{Name: "g", Pattern: "ls", Remote: &RemoteTarget{Host: "h", Port: 70000}},
		{Name: "ok", Pattern: "ls"},
		{Name: "ok", Pattern: "ls"},
	})
	if err == nil {
		t.Fatal("New() should fail")
	}
	msg := err.Error()
	for _, want := range []string{
		"name is required",
		"pattern is required",
		`unknown execution mode "docker"`,
		`unknown command status "paused"`,
		"timeout must not be negative",
		`invalid parameter name "bad-name"`,
		`duplicate parameter "x"`,
		"remote port 70000 out of range",
		`command "ok": duplicate name`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestGet(t *testing.T) {
	s, err := New([]Command{{Name: "ls", Pattern: "ls -la"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	c, err := s.Get(ctx, "ls")
	if err != nil {
		t.Fatalf("Get(ls) error = %v", err)
	}
	if c.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v, want 30s", c.Timeout())
	}
	c.Pattern = "changed"
	again, _ := s.Get(ctx, "ls")
	if again.Pattern != "ls -la" {
		t.Errorf("Get() returned shared state: pattern %q", again.Pattern)
	}

	_, err = s.Get(ctx, "missing")
	if !errors.Is(err, gateerr.CommandNotFound) {
		t.Errorf("Get(missing) = %v, want CommandNotFound", err)
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/cmdgate/commands.toml", []byte(sampleTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(fs, "/etc/cmdgate/commands.toml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff([]string{"ping", "disk"}, s.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	if _, err := Load(fs, "/missing.yaml"); err == nil {
		t.Error("Load(missing) should fail")
	}
}

func TestFormatFor(t *testing.T) {
	tests := map[string]Format{
		"commands.toml": FormatTOML,
		"COMMANDS.TOML": FormatTOML,
		"commands.yaml": FormatYAML,
		"commands.yml":  FormatYAML,
		"commands":      FormatYAML,
	}
	for path, want := range tests {
		if got := FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRemoteTarget(t *testing.T) {
	target := RemoteTarget{Host: "db1", Username: "ops", Password: "pw"}
	if got := target.Label(); got != "ops@db1:22" {
		t.Errorf("Label() = %q, want ops@db1:22", got)
	}
	if strings.Contains(target.Label(), "pw") {
		t.Error("Label() leaks the password")
	}
	v6 := RemoteTarget{Host: "fe80::1", Port: 2222}
	if got := v6.Addr(); got != "[fe80::1]:2222" {
		t.Errorf("Addr() = %q, want [fe80::1]:2222", got)
	}
	if (RemoteTarget{Host: "h"}).HasCredentials() {
		t.Error("HasCredentials() = true without secrets")
	}
}

func TestIsLoopback(t *testing.T) {
	for _, host := range []string{"", "  ", "localhost", "LOCALHOST", "127.0.0.1", "::1"} {
		if !IsLoopback(host) {
			t.Errorf("IsLoopback(%q) = false, want true", host)
		}
	}
	for _, host := range []string{"db1", "10.0.0.1", "example.com"} {
		if IsLoopback(host) {
			t.Errorf("IsLoopback(%q) = true, want false", host)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeLocal},
		{"LOCAL", ModeLocal},
		{"ssh", ModeRemote},
		{"remote", ModeRemote},
		{"agent", ModeAgent},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
