package prompt

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestStdin_Confirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
		wantErr    bool
	}{
		{"empty defaults yes", "\n", true, true, false},
		{"empty defaults no", "\n", false, false, false},
		{"eof uses default", "", true, true, false},
		{"y", "y\n", false, true, false},
		{"YES", "YES\n", false, true, false},
		{"n", "n\n", true, false, false},
		{"No with spaces", "  No  \n", true, false, false},
		{"garbage", "maybe\n", true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewStdin(strings.NewReader(tt.input), &out)
			got, err := p.Confirm("Trust new key?", tt.defaultYes)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Confirm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStdin_ConfirmHint(t *testing.T) {
	var out bytes.Buffer
	_, _ = NewStdin(strings.NewReader("\n"), &out).Confirm("Forget db1:22?", false)
	if out.String() != "Forget db1:22? [y/N] " {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	_, _ = NewStdin(strings.NewReader("\n"), &out).Confirm("Continue?", true)
	if out.String() != "Continue? [Y/n] " {
		t.Errorf("output = %q", out.String())
	}
}

func TestStdin_Select(t *testing.T) {
	options := []string{"ssh-ed25519", "ecdsa-sha2-nistp256", "ssh-rsa"}
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{"default", "\n", 1, ""},
		{"first", "1\n", 0, ""},
		{"last", "3\n", 2, ""},
		{"zero", "0\n", 0, "out of range"},
		{"too big", "4\n", 0, "out of range"},
		{"word", "rsa\n", 0, "must be a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := NewStdin(strings.NewReader(tt.input), &out).Select("Which key?", options, 1)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Select() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Select() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStdin_SelectDisplay(t *testing.T) {
	var out bytes.Buffer
	_, err := NewStdin(strings.NewReader("\n"), &out).Select("Which key?", []string{"a", "b"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := "Which key?\n  1. a (default)\n  2. b\nEnter selection [1]: "
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestStdin_SelectArguments(t *testing.T) {
	p := NewStdin(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Select("q", nil, 0); err == nil {
		t.Error("Select() with no options should fail")
	}
	if _, err := p.Select("q", []string{"a"}, 1); err == nil {
		t.Error("Select() with out-of-range default should fail")
	}
}

func TestMockConfirmer(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockConfirmer(true, false).FailWith(2, boom)

	for i, want := range []bool{true, false} {
		got, err := m.Confirm("q", false)
		if err != nil || got != want {
			t.Errorf("call %d = %v, %v; want %v", i, got, err, want)
		}
	}
	if _, err := m.Confirm("q", true); !errors.Is(err, boom) {
		t.Errorf("call 2 error = %v, want boom", err)
	}
	if got, _ := m.Confirm("q", true); !got {
		t.Error("exhausted mock should return the default")
	}
	if len(m.Calls) != 4 || m.Calls[3] != (ConfirmCall{Question: "q", DefaultYes: true}) {
		t.Errorf("Calls = %+v", m.Calls)
	}
}

func TestMockSelector(t *testing.T) {
	m := NewMockSelector(2)
	if got, _ := m.Select("q", []string{"a", "b", "c"}, 0); got != 2 {
		t.Errorf("Select() = %d, want 2", got)
	}
	if got, _ := m.Select("q", []string{"a", "b"}, 1); got != 1 {
		t.Errorf("exhausted Select() = %d, want default 1", got)
	}
	if len(m.Calls) != 2 || m.Calls[0].Options[2] != "c" {
		t.Errorf("Calls = %+v", m.Calls)
	}
}

func TestMockSecretReader(t *testing.T) {
	m := NewMockSecretReader("hunter2")
	got, err := m.ReadSecret("password")
	if err != nil || got != "hunter2" {
		t.Errorf("ReadSecret() = %q, %v", got, err)
	}
	got, err = m.ReadSecret("passphrase")
	if err != nil || got != "" {
		t.Errorf("exhausted ReadSecret() = %q, %v", got, err)
	}
	if strings.Join(m.Calls, ",") != "password,passphrase" {
		t.Errorf("Calls = %q", m.Calls)
	}
}
