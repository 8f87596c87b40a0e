package security

import "regexp"

// maxValueLength bounds worst-case regex and argv cost for a single value.
const maxValueLength = 10000

// dangerousSequences are rejected anywhere in a parameter value.
// Order matters only for which sequence is logged first.
var dangerousSequences = []string{
	";",
	"|",
	"&",
	"`",
	"$((",
	"$(",
	"${",
	")",
	"{",
	"}",
	"<<",
	">>",
	"<",
	">",
	"\n",
	"\r",
	`\`,
}

// compiledPattern holds a compiled regex and a short label for debug logs.
type compiledPattern struct {
	regex *regexp.Regexp
	label string
}

func compile(label, expr string) compiledPattern {
	return compiledPattern{regex: regexp.MustCompile(expr), label: label}
}

// injectionPatterns are signatures of command injection, encoding tricks,
// path traversal and raw sensitive paths.
var injectionPatterns = []compiledPattern{
	compile("command substitution", `\$\([^)]*\)`),
	compile("backtick substitution", "`[^`]*`"),
	compile("variable expansion", `\$\{[^}]*}`),

	compile("and chain", `&&`),
	compile("or chain", `\|\|`),
	compile("pipe", `\|`),
	compile("statement separator", `;`),

	compile("newline", `\r?\n`),
	compile("encoded newline", `%0[aAdD]`),

	compile("null byte", `\x00`),
	compile("encoded null byte", `%00`),

	compile("IFS bypass", `\$IFS`),
	compile("brace expansion", `\{.*,.*\}`),
	compile("indirect expansion", `\$\{!.*\}`),
	compile("arithmetic expansion", `\$\(\(.*\)\)`),

	compile("base64 decode", `base64\s+-d`),
	compile("pipe to sh", `\|\s*sh`),
	compile("pipe to bash", `\|\s*bash`),

	compile("traversal", `\.\./`),
	compile("windows traversal", `\.\.\\`),
	compile("encoded traversal", `(?i)%2e%2e[/%5c]`),
	compile("double encoded traversal", `(?i)%252e%252e`),
	compile("overlong slash", `\.\.%c0%af`),
	compile("overlong backslash", `\.\.%c1%9c`),
	compile("etc", `/etc/`),
	compile("root home", `/root/`),
	compile("home dotfile", `/home/[^/]+/\.`),
	compile("leading parent", `^/\.\.`),
	compile("parent segment", `(?:^|/)\.\.(?:/|$)`),

	compile("device redirect", `>/dev/`),
	compile("proc", `/proc/`),
	compile("sys", `/sys/`),
	compile("boot", `/boot/`),
	compile("system logs", `/var/log/`),

	compile("windows dir", `(?i)[a-z]:\\windows`),
	compile("system32", `(?i)[a-z]:\\system32`),
}

// pathTraversalPatterns are applied to path-typed parameters.
var pathTraversalPatterns = []compiledPattern{
	compile("dot-dot separator", `\.\.[/\\]`),
	compile("separator dot-dot", `[/\\]\.\.`),
	compile("leading dot-dot", `^\.\.[/\\]?`),
	compile("encoded traversal", `(?i)%2e%2e[/\\]`),
	compile("double encoded traversal", `(?i)%252e%252e`),
	compile("overlong slash", `\.\.%c0%af`),
	compile("overlong backslash", `\.\.%c1%9c`),
	compile("encoded slash traversal", `(?i)%2e%2e%2f`),
	compile("encoded backslash traversal", `(?i)%2e%2e%5c`),
}

// sensitivePathFragments are matched against lowercased, slash-normalized paths.
var sensitivePathFragments = []string{
	"/etc/", "/root/", "/boot/", "/proc/", "/sys/",
	"/var/log/", "/var/run/", "/tmp/", "/dev/",
	"/.ssh/", "/.gnupg/", "/.bashrc", "/.bash_history",
	"/config/", "/secrets/", "/credentials/",
	"c:/windows", "c:/system32", "c:/program files",
	"/windows", "/system32",
}

// forbiddenSpecialChars is the strict-mode character set.
var forbiddenSpecialChars = regexp.MustCompile("[;|&`$(){}\\[\\]<>\"'\\\\\n\r\x00]")

// templateSeparators detect multi-command templates once placeholders are removed.
var templateSeparators = []compiledPattern{
	compile("statement separator", `;`),
	compile("and chain", `&&`),
	compile("or chain", `\|\|`),
	compile("pipe", `\|`),
	compile("backtick substitution", "`"),
	compile("command substitution", `\$\(`),
	compile("newline", `[\r\n]`),
}
