package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/prompt"
	"github.com/xdg/cmdgate/internal/term"
)

const (
	testConfigPath  = "/etc/cmdgate/config.yaml"
	testCatalogPath = "/srv/cmdgate/commands.yaml"
	testHostKeys    = "/state/known_hosts.yaml"
	testAuditLog    = "/state/audit.log"
)

const testConfig = `catalog:
  path: /srv/cmdgate/commands.yaml
host_keys:
  path: /state/known_hosts.yaml
audit:
  file: /state/audit.log
log:
  file: ""
  level: error
`

const testCatalog = `commands:
  - name: greet
    description: Say hello
    group: demo
    pattern: "echo hello {{name}}"
    params:
      - name: name
        type: string
        required: true
  - name: login
    group: db
    pattern: "echo {{user}} {{password}}"
    params:
      - name: user
        default: app
      - name: password
        sensitive: true
        required: true
  - name: fail
    group: demo
    pattern: "false"
  - name: nap
    group: demo
    pattern: "sleep {{seconds}}"
    params:
      - name: seconds
        type: integer
        default: "5"
  - name: wipe
    group: ops
    pattern: "rm -rf {{dir}}"
    params:
      - name: dir
        type: path
  - name: disk
    group: ops
    mode: remote
    pattern: "df -h {{path}}"
    params:
      - name: path
        type: path
        default: /srv
    remote:
      host: db1.internal
      username: ops
      password: pw
  - name: old
    pattern: "uptime"
    status: disabled
`

// cli is a test harness around rootCmd with captured output and an
// in-memory filesystem.
type cli struct {
	fs     afero.Fs
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newCLI(t *testing.T, catalogData string) *cli {
	t.Helper()

	fs := afero.NewMemMapFs()
	origFs := appFs
	appFs = fs
	t.Cleanup(func() { appFs = origFs })

	writeFile(t, fs, testConfigPath, testConfig)
	if catalogData != "" {
		writeFile(t, fs, testCatalogPath, catalogData)
	}

	c := &cli{fs: fs, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	term.SetOutput(c.stdout)
	term.SetErrOutput(c.stderr)
	t.Cleanup(term.Reset)

	clog.Discard()
	t.Cleanup(clog.Reset)

	origConfirmer, origSelector, origSecrets := confirmer, selector, secrets
	t.Cleanup(func() {
		confirmer, selector, secrets = origConfirmer, origSelector, origSecrets
	})
	confirmer = prompt.NewMockConfirmer()
	selector = prompt.NewMockSelector()
	secrets = prompt.NewMockSecretReader()

	return c
}

// run executes cmdgate with args against the test config and returns the
// exit code Execute would produce.
func (c *cli) run(t *testing.T, args ...string) int {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetOut(c.stdout)
	rootCmd.SetErr(c.stderr)
	rootCmd.SetArgs(append([]string{"--config", testConfigPath}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := Execute()
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Execute() returned %T %v, want *ExitCodeError", err, err)
	}
	return exitErr.Code
}

func (c *cli) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, fs afero.Fs, path, data string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// resetFlags restores every flag to its default. Cobra keeps flag values
// between Execute calls on the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
