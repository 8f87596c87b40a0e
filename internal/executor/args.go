package executor

import (
	"errors"
	"strings"
)

var (
	errEmptyCommand      = errors.New("empty command")
	errUnterminatedQuote = errors.New("unterminated quote")
)

// ParseArgs splits a command line into argv.
//
// Unquoted whitespace separates arguments. Single or double quotes group
// text into one argument and are removed; the other quote character is
// literal inside them. There are no escapes, globbing or expansion, and no
// shell ever sees the result.
//
// Examples:
//
//	ping example.com -c 4   → ["ping" "example.com" "-c" "4"]
//	echo "hello world"      → ["echo" "hello world"]
//	echo 'say "hi"'         → ["echo" "say \"hi\""]
//	grep -e "" file         → ["grep" "-e" "" "file"]
func ParseArgs(cmdline string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quote   rune
		inToken bool
	)
	for _, c := range cmdline {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inToken {
				args = append(args, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	if inToken {
		args = append(args, cur.String())
	}
	if len(args) == 0 || args[0] == "" {
		return nil, errEmptyCommand
	}
	return args, nil
}
