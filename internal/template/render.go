// Package template renders command patterns with parameter values.
//
// Placeholders have the form {{name}} or {{.name}}, with optional inner
// whitespace. A placeholder with no value renders as the empty string; it is
// not an error. Rendering performs no validation of values, which is the job
// of the security package.
package template

import (
	"cmp"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// Mask replaces sensitive values in masked renderings.
const Mask = "***"

var placeholder = regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*)\s*}}`)

// sensitiveKeywords mark undeclared parameter names as sensitive.
var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "apikey",
	"api_key", "access_key", "private_key", "credential", "auth",
}

// Merge returns defaults overlaid with caller values. Caller values for
// undeclared names are kept. An empty caller value does not replace a
// default. Neither argument is modified.
func Merge(specs []catalog.ParamSpec, input map[string]string) map[string]string {
	merged := make(map[string]string, len(specs)+len(input))
	for _, s := range specs {
		if s.Default != "" {
			merged[s.Name] = s.Default
		}
	}
	for name, v := range input {
		if _, hasDefault := merged[name]; v == "" && hasDefault {
			continue
		}
		merged[name] = v
	}
	return merged
}

// CheckRequired fails with MissingParameter for the first required spec, in
// declaration order, that has neither a caller value nor a default. An empty
// caller value counts as absent.
func CheckRequired(specs []catalog.ParamSpec, input map[string]string) error {
	for _, s := range specs {
		if !s.Required || input[s.Name] != "" || s.Default != "" {
			continue
		}
		return gateerr.Param(gateerr.MissingParameter, s.Name, "parameter %q is required", s.Name)
	}
	return nil
}

// Render substitutes params into pattern in a single left-to-right pass.
// Substituted values are never rescanned.
func Render(pattern string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		return params[placeholder.FindStringSubmatch(m)[1]]
	})
}

// Rendered is a command line and its audit-safe form.
type Rendered struct {
	Command      string
	Masked       string
	Params       map[string]string
	MaskedParams map[string]string
}

// RenderMasked merges input over the command defaults, checks required
// parameters and renders both the real and the masked command line.
func RenderMasked(cmd *catalog.Command, input map[string]string) (*Rendered, error) {
	if err := CheckRequired(cmd.Params, input); err != nil {
		return nil, err
	}
	params := Merge(cmd.Params, input)
	command := Render(cmd.Pattern, params)

	sensitive := SensitiveNames(cmd, params)
	maskedParams := maps.Clone(params)
	var secrets []string
	for _, name := range sensitive {
		maskedParams[name] = Mask
		if v := params[name]; v != "" {
			secrets = append(secrets, v)
		}
	}

	return &Rendered{
		Command:      command,
		Masked:       MaskValues(Render(cmd.Pattern, maskedParams), secrets),
		Params:       params,
		MaskedParams: maskedParams,
	}, nil
}

// MaskValues replaces every literal occurrence of each secret in s with Mask.
// Longer secrets are replaced first so a secret that contains another is
// masked whole.
func MaskValues(s string, secrets []string) string {
	ordered := slices.Clone(secrets)
	slices.SortFunc(ordered, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})
	for _, v := range ordered {
		if v != "" {
			s = strings.ReplaceAll(s, v, Mask)
		}
	}
	return s
}

// SensitiveNames returns the sorted names in params that must be masked:
// parameters declared sensitive, and undeclared parameters whose name looks
// like a credential.
func SensitiveNames(cmd *catalog.Command, params map[string]string) []string {
	var names []string
	for name := range params {
		spec, declared := cmd.Param(name)
		if (declared && spec.Sensitive) || (!declared && IsSensitiveName(name)) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// IsSensitiveName reports whether name contains a credential keyword.
func IsSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	return slices.ContainsFunc(sensitiveKeywords, func(k string) bool {
		return strings.Contains(lower, k)
	})
}
