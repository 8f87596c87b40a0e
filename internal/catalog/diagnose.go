package catalog

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/xdg/cmdgate/internal/security"
)

// Severity ranks a diagnostic finding.
type Severity int

// Finding severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the string representation of a Severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Finding is one diagnostic about one command.
type Finding struct {
	Command  string
	Severity Severity
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Severity, f.Command, f.Message)
}

// Report is the result of Diagnose.
type Report struct {
	Findings []Finding
	Modes    map[Mode]int
	Danger   map[string]security.Danger
}

// Errors returns the findings with SeverityError.
func (r *Report) Errors() []Finding {
	return lo.Filter(r.Findings, func(f Finding, _ int) bool { return f.Severity == SeverityError })
}

// Err aggregates every error finding, or returns nil when there are none.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Errors() {
		result = multierror.Append(result, fmt.Errorf("%s: %s", f.Command, f.Message))
	}
	return result.ErrorOrNil()
}

// Diagnose inspects cmds for configuration problems: incomplete or loopback
// remote targets, multi-command templates, unknown parameter types and
// placeholders without a declared parameter. It also records the advisory
// danger level of each pattern.
func Diagnose(cmds []Command) *Report {
	r := &Report{
		Modes:  make(map[Mode]int),
		Danger: make(map[string]security.Danger, len(cmds)),
	}
	add := func(c *Command, sev Severity, format string, args ...any) {
		r.Findings = append(r.Findings, Finding{Command: c.Name, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	for i := range cmds {
		c := &cmds[i]
		r.Modes[c.Mode]++

		if !c.Active() {
			add(c, SeverityInfo, "command is disabled")
		}

		switch c.Mode {
		case ModeRemote:
			diagnoseRemote(c, add)
		case ModeAgent:
			add(c, SeverityWarning, "agent mode is not implemented; executions will fail")
		}

		if err := security.CheckTemplate(c.Pattern); err != nil {
			add(c, SeverityError, "invalid template: %v", err)
		}

		for _, p := range c.Params {
			if !knownType(p.Type) {
				add(c, SeverityError, "parameter %q has unknown type %q", p.Name, p.Type)
			}
		}
		for _, name := range security.Placeholders(c.Pattern) {
			if _, ok := c.Param(name); !ok {
				add(c, SeverityWarning, "placeholder %q has no declared parameter and renders empty unless supplied", name)
			}
		}

		d := security.DetectDanger(c.Pattern)
		r.Danger[c.Name] = d
		switch d.Level {
		case security.HighRisk:
			add(c, SeverityWarning, "pattern is high-risk: %s", d.Warning)
		case security.Warn:
			add(c, SeverityInfo, "pattern is potentially destructive: %s", d.Warning)
		}
	}
	return r
}

func diagnoseRemote(c *Command, add func(*Command, Severity, string, ...any)) {
	t := c.Remote
	if t == nil {
		add(c, SeverityError, "remote target is not configured")
		return
	}
	switch {
	case strings.TrimSpace(t.Host) == "":
		add(c, SeverityError, "remote host is empty")
	case IsLoopback(t.Host):
		add(c, SeverityError, "remote host %s is a loopback address", t.Host)
	}
	if strings.TrimSpace(t.Username) == "" {
		add(c, SeverityError, "remote username is empty")
	}
	if !t.HasCredentials() {
		add(c, SeverityWarning, "no password or private key; the default SSH identity will be used")
	}
}

// knownType reports whether typ is a recognized parameter type.
func knownType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "string":
		return true
	}
	_, ok := security.WhitelistFor(typ)
	return ok
}
