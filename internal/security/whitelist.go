package security

import (
	"regexp"
	"slices"
	"strings"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// grammar is a named full-match rule for strict mode.
type grammar struct {
	re    *regexp.Regexp
	check func(string) bool // extra constraint RE2 cannot express
}

func (g grammar) match(s string) bool {
	if !g.re.MatchString(s) {
		return false
	}
	return g.check == nil || g.check(s)
}

func re(expr string) grammar {
	return grammar{re: regexp.MustCompile(expr)}
}

const octet = `(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`

var whitelistGrammars = map[string]grammar{
	"alphanumeric":        re(`^[a-zA-Z0-9_\-\s]+$`),
	"strict_alphanumeric": re(`^[a-zA-Z0-9_\-]+$`),
	"filename":            re(`^[a-zA-Z0-9_\-\.]+$`),
	"safe_path": {
		re:    regexp.MustCompile(`^[a-zA-Z0-9_/\-\.]+$`),
		check: isRelativeWithoutParent,
	},
	"ipv4":     re(`^(` + octet + `\.){3}` + octet + `$`),
	"hostname": re(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`),
	"port":     re(`^([1-9][0-9]{0,3}|[1-5][0-9]{4}|6[0-4][0-9]{3}|65[0-4][0-9]{2}|655[0-2][0-9]|6553[0-5])$`),
	"url":      re(`^https?://[a-zA-Z0-9][a-zA-Z0-9\-\.]*[a-zA-Z0-9](/[a-zA-Z0-9_\-\./]*)?$`),
	"email":    re(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	"number":   re(`^-?[0-9]+(\.[0-9]+)?$`),
	"integer":  re(`^-?[0-9]+$`),
	"boolean":  re(`(?i)^(true|false|yes|no|1|0)$`),
	"version":  re(`^[0-9]+(\.[0-9]+)*(-[a-zA-Z0-9]+)?$`),
	"uuid":     re(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
}

// isRelativeWithoutParent rejects "..", a leading slash and a drive letter.
func isRelativeWithoutParent(s string) bool {
	if strings.Contains(s, "..") || strings.HasPrefix(s, "/") {
		return false
	}
	if len(s) >= 2 && s[1] == ':' && isASCIILetter(s[0]) {
		return false
	}
	return true
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// typeWhitelist maps declared parameter types to grammar names.
var typeWhitelist = map[string]string{
	"integer":   "integer",
	"int":       "integer",
	"number":    "number",
	"float":     "number",
	"double":    "number",
	"boolean":   "boolean",
	"bool":      "boolean",
	"ip":        "ipv4",
	"ipaddress": "ipv4",
	"ipv4":      "ipv4",
	"hostname":  "hostname",
	"host":      "hostname",
	"port":      "port",
	"url":       "url",
	"email":     "email",
	"path":      "safe_path",
	"file":      "safe_path",
	"filename":  "filename",
	"uuid":      "uuid",
	"version":   "version",
}

// WhitelistFor returns the grammar name for a declared type.
// The second result is false when the type has no grammar.
func WhitelistFor(typ string) (string, bool) {
	g, ok := typeWhitelist[strings.ToLower(typ)]
	return g, ok
}

// WhitelistGrammars returns the supported grammar names, sorted.
func WhitelistGrammars() []string {
	names := make([]string, 0, len(whitelistGrammars))
	for name := range whitelistGrammars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateWhitelist requires value to fully match the named grammar.
// Unknown grammar names fall back to strict_alphanumeric. Empty values pass.
func (v *Validator) ValidateWhitelist(name, value, grammarName string) error {
	if value == "" {
		return nil
	}
	g, ok := whitelistGrammars[grammarName]
	if !ok {
		clog.Warn("security: unknown whitelist %q, using strict_alphanumeric", grammarName)
		g = whitelistGrammars["strict_alphanumeric"]
		grammarName = "strict_alphanumeric"
	}
	if !g.match(value) {
		clog.Debug("security: parameter %q failed whitelist %s, value %s", name, grammarName, maskValue(value))
		return gateerr.Param(gateerr.InvalidParameterType, name,
			"parameter %q does not match the expected format (%s)", name, grammarName)
	}
	return nil
}

// ValidateNoSpecialChars rejects the strict-mode special character set.
func (v *Validator) ValidateNoSpecialChars(name, value string) error {
	if value == "" {
		return nil
	}
	if forbiddenSpecialChars.MatchString(value) {
		clog.Debug("security: parameter %q contains a forbidden character, value %s", name, maskValue(value))
		return gateerr.Param(gateerr.InjectionDetected, name,
			"parameter %q contains a forbidden special character", name)
	}
	return nil
}
