// Package audit provides structured logging for command executions and host
// key events. Log entries follow a key=value format suitable for parsing and
// analysis. Command lines are always recorded in their masked form.
package audit

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventType represents the type of execution or host key event.
type EventType string

// Event types for command executions.
const (
	EventRequest  EventType = "REQUEST"
	EventReject   EventType = "REJECT"
	EventComplete EventType = "COMPLETE"
	EventTimeout  EventType = "TIMEOUT"
	EventFailed   EventType = "FAILED"
)

// Event types for host key operations.
const (
	EventHostKeyMismatch EventType = "MISMATCH"
	EventHostKeyTrust    EventType = "TRUST"
	EventHostKeyForget   EventType = "FORGET"
)

// Event represents an execution or host key audit log entry.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Type is the event type (REQUEST, COMPLETE, MISMATCH, etc.)
	Type EventType

	// ID is the execution ID.
	ID string

	// Command is the catalog name of the command.
	Command string

	// Subject identifies the caller, when known.
	Subject string

	// Mode is the execution mode (for REQUEST events).
	Mode string

	// Target is the remote user@host:port (for REQUEST events in remote mode).
	Target string

	// Cmd is the masked command line.
	Cmd string

	// Reason is the rejection or failure reason.
	Reason string

	// ExitCode is the command exit code (for COMPLETE events).
	ExitCode int

	// Duration is the execution time (for COMPLETE and TIMEOUT events).
	Duration time.Duration

	// Host is host:port (for host key events).
	Host string

	// KeyType is the SSH key algorithm (for host key events).
	KeyType string

	// Fingerprint is the SHA-256 fingerprint of the presented key.
	Fingerprint string
}

// Format returns the log entry as a formatted string.
// Format: 2024-01-15T14:32:05Z EXEC REQUEST id=... command=ping subject=alice mode=local cmd="ping example.com -c 4"
// Format: 2024-01-15T14:32:05Z HOSTKEY MISMATCH host=db1:22 key_type=ssh-ed25519 fingerprint="SHA256:..."
func (e *Event) Format() string {
	var b strings.Builder

	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339))

	if e.isHostKeyEvent() {
		b.WriteString(" HOSTKEY ")
		b.WriteString(string(e.Type))
		b.WriteString(" host=")
		b.WriteString(e.Host)
		b.WriteString(" key_type=")
		b.WriteString(e.KeyType)
		writeOptionalField(&b, "fingerprint", e.Fingerprint)
		writeOptionalField(&b, "reason", e.Reason)
		return b.String()
	}

	b.WriteString(" EXEC ")
	b.WriteString(string(e.Type))
	b.WriteString(" id=")
	b.WriteString(e.ID)
	b.WriteString(" command=")
	b.WriteString(e.Command)

	e.formatTypeSpecificFields(&b)

	return b.String()
}

// isHostKeyEvent returns true if the event is a host key event.
func (e *Event) isHostKeyEvent() bool {
	return e.Type == EventHostKeyMismatch || e.Type == EventHostKeyTrust || e.Type == EventHostKeyForget
}

// formatTypeSpecificFields appends type-specific key=value pairs to the builder.
func (e *Event) formatTypeSpecificFields(b *strings.Builder) {
	switch e.Type {
	case EventRequest:
		writeOptionalField(b, "subject", e.Subject)
		b.WriteString(" mode=")
		b.WriteString(e.Mode)
		writeOptionalField(b, "target", e.Target)
		b.WriteString(" cmd=")
		b.WriteString(quoteValue(e.Cmd))
	case EventReject:
		writeOptionalField(b, "subject", e.Subject)
		writeOptionalField(b, "reason", e.Reason)
	case EventComplete:
		b.WriteString(" exit=")
		b.WriteString(strconv.Itoa(e.ExitCode))
		b.WriteString(" duration=")
		b.WriteString(formatDuration(e.Duration))
	case EventTimeout:
		b.WriteString(" duration=")
		b.WriteString(formatDuration(e.Duration))
	case EventFailed:
		writeOptionalField(b, "reason", e.Reason)
	}
}

// writeOptionalField appends " key=quoted_value" to the builder if value is non-empty.
func writeOptionalField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(quoteValue(value))
}

// quoteValue returns a quoted string value.
// Values are always quoted for consistency and to handle spaces/special chars.
func quoteValue(s string) string {
	return fmt.Sprintf("%q", s)
}

// formatDuration formats a duration as a human-readable string (e.g., "2.3s", "1m30s").
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Logger writes audit events to an io.Writer. A nil *Logger discards events.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLogger creates a new audit logger that writes to the given writer.
func NewLogger(w io.Writer) *Logger {
	return &Logger{w: w, now: time.Now}
}

// Log writes an event to the audit log.
func (l *Logger) Log(e *Event) error {
	if l == nil || l.w == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := e.Format() + "\n"
	_, err := l.w.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (l *Logger) timestamp() time.Time {
	if l == nil || l.now == nil {
		return time.Now()
	}
	return l.now()
}

// Request describes an accepted execution for LogRequest.
type Request struct {
	ID      string
	Command string
	Subject string
	Mode    string
	Target  string
	Cmd     string // masked
}

// LogRequest logs an EXEC REQUEST event.
func (l *Logger) LogRequest(r Request) error {
	return l.Log(&Event{
		Timestamp: l.timestamp(),
		Type:      EventRequest,
		ID:        r.ID,
		Command:   r.Command,
		Subject:   r.Subject,
		Mode:      r.Mode,
		Target:    r.Target,
		Cmd:       r.Cmd,
	})
}

// LogReject logs an EXEC REJECT event.
func (l *Logger) LogReject(id, command, subject, reason string) error {
	return l.Log(&Event{
		Timestamp: l.timestamp(),
		Type:      EventReject,
		ID:        id,
		Command:   command,
		Subject:   subject,
		Reason:    reason,
	})
}

// LogComplete logs an EXEC COMPLETE event.
func (l *Logger) LogComplete(id, command string, exitCode int, duration time.Duration) error {
	return l.Log(&Event{
		Timestamp: l.timestamp(),
		Type:      EventComplete,
		ID:        id,
		Command:   command,
		ExitCode:  exitCode,
		Duration:  duration,
	})
}

// LogTimeout logs an EXEC TIMEOUT event.
func (l *Logger) LogTimeout(id, command string, duration time.Duration) error {
	return l.Log(&Event{
		Timestamp: l.timestamp(),
		Type:      EventTimeout,
		ID:        id,
		Command:   command,
		Duration:  duration,
	})
}

// LogFailed logs an EXEC FAILED event.
func (l *Logger) LogFailed(id, command, reason string) error {
	return l.Log(&Event{
		Timestamp: l.timestamp(),
		Type:      EventFailed,
		ID:        id,
		Command:   command,
		Reason:    reason,
	})
}

// LogHostKeyMismatch logs a HOSTKEY MISMATCH event.
func (l *Logger) LogHostKeyMismatch(host string, port int, keyType, fingerprint string) error {
	return l.logHostKey(EventHostKeyMismatch, host, port, keyType, fingerprint)
}

// LogHostKeyTrust logs a HOSTKEY TRUST event for an operator re-trust.
func (l *Logger) LogHostKeyTrust(host string, port int, keyType, fingerprint string) error {
	return l.logHostKey(EventHostKeyTrust, host, port, keyType, fingerprint)
}

// LogHostKeyForget logs a HOSTKEY FORGET event.
func (l *Logger) LogHostKeyForget(host string, port int, keyType string) error {
	return l.logHostKey(EventHostKeyForget, host, port, keyType, "")
}

func (l *Logger) logHostKey(t EventType, host string, port int, keyType, fingerprint string) error {
	return l.Log(&Event{
		Timestamp:   l.timestamp(),
		Type:        t,
		Host:        net.JoinHostPort(host, strconv.Itoa(port)),
		KeyType:     keyType,
		Fingerprint: fingerprint,
	})
}
