package clog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xdg/cmdgate/internal/pathutil"
)

// Logger handles leveled logging with support for multiple outputs.
// File output is one JSON object per line; stderr output is a compact
// console rendering of warnings and errors.
type Logger struct {
	mu         sync.Mutex
	level      Level // minimum level to log
	file       *zerolog.Logger
	fileWriter io.Writer
	console    *zerolog.Logger
	errWriter  io.Writer
	quiet      bool // stderr output suppressed
}

// NewLogger creates a new logger with default settings.
// By default, warnings and errors go to stderr at Info level.
func NewLogger() *Logger {
	l := &Logger{level: LevelInfo}
	l.SetErrOutput(os.Stderr)
	return l
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetFileOutput sets the writer for structured log output.
// Pass nil to disable file logging.
func (l *Logger) SetFileOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fileWriter = w
	if w == nil {
		l.file = nil
		return
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	l.file = &zl
}

// SetErrOutput sets the stderr writer for warn/error output in CLI mode.
// Pass nil to disable stderr logging.
func (l *Logger) SetErrOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errWriter = w
	if w == nil {
		l.console = nil
		return
	}
	cw := zerolog.ConsoleWriter{
		Out:         w,
		NoColor:     true,
		PartsOrder:  []string{zerolog.LevelFieldName, zerolog.MessageFieldName},
		FormatLevel: func(i any) string { return "[" + strings.ToUpper(fmt.Sprint(i)) + "]" },
	}
	zl := zerolog.New(cw)
	l.console = &zl
}

// SetQuiet stops warnings and errors from being echoed to stderr. The log
// file still receives them.
func (l *Logger) SetQuiet(quiet bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quiet = quiet
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)

	if l.file != nil {
		l.file.WithLevel(level.zerolog()).Msg(msg)
	}

	if !l.quiet && l.console != nil && level >= LevelWarn {
		l.console.WithLevel(level.zerolog()).Msg(msg)
	}
}

// OpenLogFile opens a log file for writing, creating parent directories if needed.
// The file is opened in append mode.
func OpenLogFile(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return f, nil
}

// DefaultLogPath returns cmdgate.log under the XDG state directory,
// normally ~/.local/state/cmdgate/cmdgate.log.
func DefaultLogPath() string {
	return filepath.Join(pathutil.StateDir(), "cmdgate.log")
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
