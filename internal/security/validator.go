// Package security approves parameter values and rendered commands before
// anything is executed.
//
// Validation runs in independent layers that must all pass:
//   - value layer: dangerous characters, injection signatures, length guard
//   - type layer: the value matches its declared parameter type
//   - whitelist layer (strict mode): the value fully matches a named grammar
//
// DetectDanger is separate and advisory: it classifies a command line by how
// destructive it looks and never blocks execution.
package security

import (
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

var (
	integerType  = regexp.MustCompile(`^-?\d+$`)
	booleanType  = regexp.MustCompile(`^(true|false|1|0|yes|no)$`)
	hostnameType = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-\.]*[a-zA-Z0-9]$`)
)

// Options configures a Validator.
type Options struct {
	// Strict enables the special-character and whitelist layers.
	Strict bool
}

// Validator checks parameter values. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	opts Options
}

// NewValidator creates a Validator with the given options.
func NewValidator(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Strict reports whether strict mode is enabled.
func (v *Validator) Strict() bool {
	return v.opts.Strict
}

// Check runs every enabled layer over params. types maps a parameter name to
// its declared type; parameters without a declared type only get the value
// layer (and the strict special-character check). Parameters are checked in
// name order so the reported failure is deterministic.
func (v *Validator) Check(types map[string]string, params map[string]string) error {
	for _, name := range slices.Sorted(maps.Keys(params)) {
		value := params[name]
		if err := v.ValidateValue(name, value); err != nil {
			return err
		}
		if v.opts.Strict {
			if err := v.ValidateNoSpecialChars(name, value); err != nil {
				return err
			}
		}
		typ := strings.ToLower(strings.TrimSpace(types[name]))
		if typ == "" {
			continue
		}
		if err := v.ValidateType(name, value, typ); err != nil {
			return err
		}
		if typ == "path" || typ == "file" {
			if err := v.ValidatePath(name, value); err != nil {
				return err
			}
		}
		if v.opts.Strict {
			if grammar, ok := WhitelistFor(typ); ok {
				if err := v.ValidateWhitelist(name, value, grammar); err != nil {
					return err
				}
			}
		}
	}
	clog.Debug("security: %d parameters passed validation (strict=%v)", len(params), v.opts.Strict)
	return nil
}

// ValidateValue is the character/pattern layer. Empty values pass.
func (v *Validator) ValidateValue(name, value string) error {
	if value == "" {
		return nil
	}

	if n := utf8.RuneCountInString(value); n > maxValueLength {
		clog.Debug("security: parameter %q is %d characters", name, n)
		return gateerr.Param(gateerr.InjectionDetected, name,
			"parameter %q exceeds the maximum length of %d characters", name, maxValueLength)
	}

	for _, seq := range dangerousSequences {
		if strings.Contains(value, seq) {
			clog.Debug("security: parameter %q contains %q, value %s", name, seq, maskValue(value))
			return gateerr.Param(gateerr.InjectionDetected, name,
				"parameter %q contains a disallowed character", name)
		}
	}

	for _, p := range injectionPatterns {
		if p.regex.MatchString(value) {
			clog.Debug("security: parameter %q matched %s, value %s", name, p.label, maskValue(value))
			return gateerr.Param(gateerr.InjectionDetected, name,
				"parameter %q contains a suspicious injection sequence", name)
		}
	}

	return nil
}

// ValidateType checks value against the canonical grammar of typ.
// Unknown types pass.
func (v *Validator) ValidateType(name, value, typ string) error {
	ok := true
	what := ""
	switch strings.ToLower(typ) {
	case "integer", "int", "number":
		ok, what = integerType.MatchString(value), "an integer"
	case "boolean", "bool":
		ok, what = booleanType.MatchString(value), "a boolean"
	case "path", "file":
		ok = !strings.Contains(value, "..") &&
			!strings.HasPrefix(value, "/etc") &&
			!strings.HasPrefix(value, "/root")
		what = "an allowed path"
	case "ip", "ipaddress":
		ok, what = whitelistGrammars["ipv4"].match(value), "a valid IPv4 address"
	case "hostname":
		ok = hostnameType.MatchString(value) && len(value) <= 253
		what = "a valid hostname"
	}
	if !ok {
		clog.Debug("security: parameter %q is not %s, value %s", name, what, maskValue(value))
		return gateerr.Param(gateerr.InvalidParameterType, name, "parameter %q must be %s", name, what)
	}
	return nil
}

// ValidatePath rejects traversal sequences, sensitive system locations and
// paths that climb above their starting directory.
func (v *Validator) ValidatePath(name, path string) error {
	if path == "" {
		return nil
	}

	for _, p := range pathTraversalPatterns {
		if p.regex.MatchString(path) {
			clog.Debug("security: parameter %q matched %s, value %s", name, p.label, maskValue(path))
			return gateerr.Param(gateerr.InjectionDetected, name,
				"parameter %q contains a path traversal sequence", name)
		}
	}

	normalized := strings.ReplaceAll(strings.ToLower(path), `\`, "/")
	for _, frag := range sensitivePathFragments {
		if strings.Contains(normalized, frag) {
			clog.Debug("security: parameter %q touches %s, value %s", name, frag, maskValue(path))
			return gateerr.Param(gateerr.InjectionDetected, name,
				"parameter %q refers to a protected system location", name)
		}
	}

	if strings.HasPrefix(path, "/") || (len(path) >= 2 && path[1] == ':') {
		clog.Debug("security: parameter %q is an absolute path", name)
	}

	depth := 0
	for _, part := range strings.FieldsFunc(normalized, func(r rune) bool { return r == '/' }) {
		switch part {
		case ".":
		case "..":
			depth--
			if depth < 0 {
				return gateerr.Param(gateerr.InjectionDetected, name,
					"parameter %q escapes its root directory", name)
			}
		default:
			depth++
		}
	}

	return nil
}

// CheckTemplate rejects a command pattern that chains or substitutes
// commands outside of its placeholders. Patterns must describe exactly one
// command.
func CheckTemplate(pattern string) error {
	stripped := placeholderPattern.ReplaceAllString(pattern, "")
	for _, p := range templateSeparators {
		if p.regex.MatchString(stripped) {
			return gateerr.New(gateerr.InjectionDetected, "command template contains a %s", p.label)
		}
	}
	return nil
}

// placeholderPattern matches {{name}} and {{.name}} placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*)\s*}}`)

// Placeholders returns the distinct placeholder names in pattern, in order of
// first appearance.
func Placeholders(pattern string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(pattern, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// maskValue shortens a value for debug logs.
func maskValue(value string) string {
	r := []rune(value)
	if len(r) <= 10 {
		return value
	}
	return string(r[:5]) + "***" + string(r[len(r)-2:])
}
