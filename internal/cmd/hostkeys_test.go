package cmd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xdg/cmdgate/internal/hostkey"
	"github.com/xdg/cmdgate/internal/prompt"
	"github.com/xdg/cmdgate/internal/testutil"
)

// seedHostKeys stores records for db1.internal:22 (ed25519, untrusted) and
// db2.internal:2222 (ed25519, trusted).
func seedHostKeys(t *testing.T, c *cli) hostkey.Store {
	t.Helper()
	store := hostkey.NewFileStore(c.fs, testHostKeys)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bad := hostkey.NewRecord("db1.internal", 22, testutil.NewSigner(t).PublicKey(), now)
	bad.Trusted = false
	bad.Remark = "Key mismatch detected"
	good := hostkey.NewRecord("db2.internal", 2222, testutil.NewSigner(t).PublicKey(), now)

	for _, r := range []*hostkey.Record{bad, good} {
		if err := store.Save(context.Background(), r); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	return store
}

func TestHostkeysList(t *testing.T) {
	c := newCLI(t, testCatalog)
	seedHostKeys(t, c)

	if code := c.run(t, "hostkeys", "list"); code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, c.stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(c.stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), c.stdout.String())
	}
	if !strings.HasPrefix(lines[0], "HOST") {
		t.Errorf("header = %q", lines[0])
	}
	if f := strings.Fields(lines[1]); f[0] != "db1.internal" || f[1] != "22" || f[2] != "ssh-ed25519" || f[4] != "NO" {
		t.Errorf("db1 row = %q", lines[1])
	}
	if !strings.Contains(lines[1], "Key mismatch detected") {
		t.Errorf("db1 row missing remark: %q", lines[1])
	}
	if f := strings.Fields(lines[2]); f[0] != "db2.internal" || f[1] != "2222" || f[4] != "yes" {
		t.Errorf("db2 row = %q", lines[2])
	}
}

func TestHostkeysList_Empty(t *testing.T) {
	c := newCLI(t, testCatalog)

	if code := c.run(t, "hostkeys", "ls"); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if c.stdout.String() != "No host keys recorded.\n" {
		t.Errorf("stdout = %q", c.stdout.String())
	}
}

func TestHostkeysTrust(t *testing.T) {
	c := newCLI(t, testCatalog)
	store := seedHostKeys(t, c)
	mock := prompt.NewMockConfirmer(true)
	confirmer = mock

	if code := c.run(t, "hostkeys", "trust", "db1.internal"); code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, c.stderr.String())
	}

	rec, err := store.Lookup(context.Background(), "db1.internal", 22, "ssh-ed25519")
	if err != nil || rec == nil {
		t.Fatalf("Lookup() = %v, %v", rec, err)
	}
	if !rec.Trusted || rec.Remark != "" {
		t.Errorf("record = %+v, want trusted with no remark", rec)
	}
	if len(mock.Calls) != 1 || !strings.Contains(mock.Calls[0].Question, rec.SHA256) || mock.Calls[0].DefaultYes {
		t.Errorf("confirm calls = %+v", mock.Calls)
	}
	if !strings.Contains(c.stdout.String(), "Trusted ssh-ed25519 key for db1.internal:22") {
		t.Errorf("stdout = %q", c.stdout.String())
	}
	if log := c.readFile(t, testAuditLog); !strings.Contains(log, "HOSTKEY TRUST host=db1.internal:22 key_type=ssh-ed25519") {
		t.Errorf("audit log = %q", log)
	}
}

func TestHostkeysTrust_Declined(t *testing.T) {
	c := newCLI(t, testCatalog)
	store := seedHostKeys(t, c)
	confirmer = prompt.NewMockConfirmer(false)

	if code := c.run(t, "hostkeys", "trust", "db1.internal:22"); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if c.stdout.String() != "Aborted.\n" {
		t.Errorf("stdout = %q", c.stdout.String())
	}
	rec, _ := store.Lookup(context.Background(), "db1.internal", 22, "ssh-ed25519")
	if rec == nil || rec.Trusted {
		t.Errorf("record = %+v, want still untrusted", rec)
	}
}

func TestHostkeysTrust_SelectsKeyType(t *testing.T) {
	c := newCLI(t, testCatalog)
	store := seedHostKeys(t, c)

	second := hostkey.NewRecord("db1.internal", 22, testutil.NewSigner(t).PublicKey(), time.Now())
	second.KeyType = "ssh-zz-test"
	second.Trusted = false
	if err := store.Save(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	sel := prompt.NewMockSelector(1)
	selector = sel

	if code := c.run(t, "hostkeys", "trust", "db1.internal", "--yes"); code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, c.stderr.String())
	}
	if len(sel.Calls) != 1 || len(sel.Calls[0].Options) != 2 {
		t.Fatalf("select calls = %+v", sel.Calls)
	}

	first, _ := store.Lookup(context.Background(), "db1.internal", 22, "ssh-ed25519")
	chosen, _ := store.Lookup(context.Background(), "db1.internal", 22, "ssh-zz-test")
	if first.Trusted || !chosen.Trusted {
		t.Errorf("ed25519 trusted = %v, ssh-zz-test trusted = %v; want only the selected key trusted", first.Trusted, chosen.Trusted)
	}
}

func TestHostkeysTrust_Errors(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantStderr string
	}{
		{"unknown host", []string{"hostkeys", "trust", "db9.internal", "-y"}, "no host keys recorded for db9.internal:22"},
		{"wrong port", []string{"hostkeys", "trust", "db2.internal:22", "-y"}, "no host keys recorded for db2.internal:22"},
		{"unknown type", []string{"hostkeys", "trust", "db1.internal", "--type", "ssh-rsa", "-y"}, "no ssh-rsa key recorded"},
		{"bad port", []string{"hostkeys", "trust", "db1.internal:http", "-y"}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t, testCatalog)
			seedHostKeys(t, c)
			if code := c.run(t, tt.args...); code != 1 {
				t.Errorf("exit code = %d, want 1", code)
			}
			if !strings.Contains(c.stderr.String(), tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", c.stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestHostkeysForget(t *testing.T) {
	c := newCLI(t, testCatalog)
	store := seedHostKeys(t, c)
	confirmer = prompt.NewMockConfirmer(true)

	if code := c.run(t, "hostkeys", "forget", "db2.internal:2222"); code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, c.stderr.String())
	}
	records, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Host != "db1.internal" {
		t.Errorf("records after forget = %+v", records)
	}
	if !strings.Contains(c.stdout.String(), "Forgot all keys for db2.internal:2222") {
		t.Errorf("stdout = %q", c.stdout.String())
	}
	if log := c.readFile(t, testAuditLog); !strings.Contains(log, "HOSTKEY FORGET host=db2.internal:2222") {
		t.Errorf("audit log = %q", log)
	}
}

func TestHostkeysForget_Errors(t *testing.T) {
	c := newCLI(t, testCatalog)
	seedHostKeys(t, c)

	if code := c.run(t, "hostkeys", "forget", "db9.internal", "--yes"); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(c.stderr.String(), "no host keys recorded for db9.internal:22") {
		t.Errorf("stderr = %q", c.stderr.String())
	}

	c.stderr.Reset()
	confirmer = prompt.NewMockConfirmer().FailWith(0, errors.New("stdin closed"))
	if code := c.run(t, "hostkeys", "forget", "db1.internal"); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(c.stderr.String(), "stdin closed") {
		t.Errorf("stderr = %q", c.stderr.String())
	}
}

func TestHostkeysExport(t *testing.T) {
	c := newCLI(t, testCatalog)
	seedHostKeys(t, c)

	if code := c.run(t, "hostkeys", "export"); code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, c.stderr.String())
	}
	out := c.stdout.String()
	if !strings.HasPrefix(out, "[db2.internal]:2222 ssh-ed25519 ") {
		t.Errorf("stdout = %q", out)
	}
	if strings.Contains(out, "db1.internal") {
		t.Errorf("export includes the untrusted key: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("want one line, got %q", out)
	}
}

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"db1.internal", "db1.internal", 22, false},
		{"db1.internal:2222", "db1.internal", 2222, false},
		{"10.0.0.5", "10.0.0.5", 22, false},
		{"2001:db8::1", "2001:db8::1", 22, false},
		{"[2001:db8::1]:2200", "2001:db8::1", 2200, false},
		{"db1.internal:0", "", 0, true},
		{"db1.internal:70000", "", 0, true},
		{"db1.internal:ssh", "", 0, true},
		{"a:b:c", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := parseHostPort(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHostPort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("parseHostPort() = %q, %d; want %q, %d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
