package security

import (
	"regexp"
	"slices"
	"strings"

	"github.com/xdg/cmdgate/internal/clog"
)

// Level is an advisory danger classification.
type Level int

const (
	// Safe means nothing destructive was recognized.
	Safe Level = iota
	// Warn means the command name is on the destructive list.
	Warn
	// HighRisk means a destructive pattern or phrase was recognized.
	HighRisk
)

// String returns the string representation of a Level.
func (l Level) String() string {
	switch l {
	case Safe:
		return "safe"
	case Warn:
		return "warn"
	case HighRisk:
		return "high-risk"
	default:
		return "unknown"
	}
}

// Danger is the result of classifying a command line.
type Danger struct {
	Level   Level
	Warning string // empty when Level is Safe
}

// dangerousWords match the first word of a command.
var dangerousWords = map[string]bool{
	"rm": true, "rmdir": true, "unlink": true, "shred": true,
	"del": true, "erase": true, "rd": true,
	"mkfs": true, "fdisk": true, "parted": true, "dd": true, "format": true,
	"shutdown": true, "reboot": true, "poweroff": true, "halt": true, "init": true,
	"chmod": true, "chown": true, "chgrp": true, "passwd": true,
	"useradd": true, "userdel": true, "usermod": true, "adduser": true, "deluser": true,
	"iptables": true, "ip6tables": true, "firewall-cmd": true, "ufw": true,
	"ifconfig": true, "ip": true,
	"truncate": true,
	"kill": true, "killall": true, "pkill": true,
	"update-rc.d": true, "chkconfig": true,
}

// dangerousPhrases match anywhere in the lowercased command.
var dangerousPhrases = []string{
	"> /dev/", "mv /",
	"apt-get remove", "apt-get purge", "yum remove", "dnf remove",
	"pip uninstall", "npm uninstall",
	"drop database", "drop table", "truncate table", "delete from",
	"systemctl stop", "systemctl disable", "service stop",
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[rf]+\s+)*(/|~|\$HOME)`),
	regexp.MustCompile(`(?i)rm\s+(-[rf]+\s+)*\*`),
	regexp.MustCompile(`(?i)rm\s+-rf?\s+--no-preserve-root`),
	regexp.MustCompile(`(?i)dd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i)>\s*/etc/`),
	regexp.MustCompile(`(?i)>\s*/boot/`),
	regexp.MustCompile(`(?i)chmod\s+-R\s+777`),
	regexp.MustCompile(`(?i)chown\s+-R\s+.*\s+/`),
	regexp.MustCompile(`(?i):\(\)\{\s*:\|:`),
	regexp.MustCompile(`(?i)history\s+-c`),
	regexp.MustCompile(`(?i)>\s*~/?\.bash_history`),
}

// DetectDanger classifies a command pattern or rendered command line.
func DetectDanger(command string) Danger {
	lower := strings.ToLower(strings.TrimSpace(command))
	if lower == "" {
		return Danger{Level: Safe}
	}
	first := firstWord(lower)

	for _, p := range dangerousPatterns {
		if p.MatchString(command) {
			clog.Debug("security: high-risk pattern %s", p)
			return Danger{Level: HighRisk, Warning: dangerWarning(first, lower)}
		}
	}

	for _, phrase := range dangerousPhrases {
		if strings.Contains(lower, phrase) {
			clog.Debug("security: high-risk phrase %q", phrase)
			return Danger{Level: HighRisk, Warning: dangerWarning(first, lower)}
		}
	}

	if dangerousWords[first] {
		return Danger{Level: Warn, Warning: dangerWarning(first, lower)}
	}

	return Danger{Level: Safe}
}

// DangerousCommands returns the single-word destructive command names, sorted.
func DangerousCommands() []string {
	words := make([]string, 0, len(dangerousWords))
	for w := range dangerousWords {
		words = append(words, w)
	}
	slices.Sort(words)
	return words
}

// firstWord returns the first whitespace-separated word without any path prefix.
func firstWord(lower string) string {
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return ""
	}
	w := fields[0]
	if i := strings.LastIndexByte(w, '/'); i >= 0 {
		w = w[i+1:]
	}
	return w
}

func dangerWarning(first, lower string) string {
	switch {
	case first == "rm" || first == "rmdir":
		return "This command deletes files or directories and cannot be undone."
	case first == "dd":
		return "This command can overwrite disk data; verify the target device."
	case first == "shutdown" || first == "reboot" || first == "poweroff" || first == "halt":
		return "This command shuts down or restarts the system."
	case first == "chmod" || first == "chown":
		return "This command changes file permissions or ownership."
	case first == "kill" || first == "killall" || first == "pkill":
		return "This command terminates processes."
	case strings.Contains(lower, "drop database") || strings.Contains(lower, "drop table"):
		return "This command drops a database or table and cannot be undone."
	case strings.Contains(lower, "truncate table") || strings.Contains(lower, "delete from"):
		return "This command empties a table and cannot be undone."
	case first == "iptables" || first == "firewall-cmd" || first == "ufw":
		return "This command changes firewall rules and may cut network access."
	default:
		return "This command is marked high-risk; confirm before running it."
	}
}
