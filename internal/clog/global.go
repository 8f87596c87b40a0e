package clog

import (
	"bytes"
	"io"
)

var std = NewLogger()

// Configure sets the global level and opens logPath for JSON entries.
// An empty logPath leaves file logging off.
func Configure(logPath string, level Level) error {
	std.SetLevel(level)
	if logPath == "" {
		return nil
	}
	f, err := OpenLogFile(logPath)
	if err != nil {
		return err
	}
	std.SetFileOutput(f)
	return nil
}

// SetLevel sets the minimum level of the global logger.
func SetLevel(level Level) { std.SetLevel(level) }

// SetQuiet suppresses stderr output from the global logger.
func SetQuiet(quiet bool) { std.SetQuiet(quiet) }

func Debug(format string, args ...any) { std.log(LevelDebug, format, args...) }
func Info(format string, args ...any)  { std.log(LevelInfo, format, args...) }
func Warn(format string, args ...any)  { std.log(LevelWarn, format, args...) }
func Error(format string, args ...any) { std.log(LevelError, format, args...) }

// Close detaches the file writer from the global logger and closes it if
// it is an io.Closer. Later entries only reach stderr.
func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()

	closer, ok := std.fileWriter.(io.Closer)
	std.fileWriter, std.file = nil, nil
	if !ok {
		return nil
	}
	return closer.Close()
}

// Reset restores the default global logger.
func Reset() {
	std = NewLogger()
}

// Discard silences the global logger.
func Discard() {
	std.SetFileOutput(io.Discard)
	std.SetErrOutput(io.Discard)
}

// TestLogger returns a debug-level logger whose file and stderr output
// both go to w.
func TestLogger(w io.Writer) *Logger {
	l := NewLogger()
	l.SetFileOutput(w)
	l.SetErrOutput(w)
	l.SetLevel(LevelDebug)
	return l
}

// ReplaceGlobal installs l as the global logger and returns the previous one.
func ReplaceGlobal(l *Logger) *Logger {
	old := std
	std = l
	return old
}

// Writer adapts the global logger to an io.Writer. Each non-empty line of
// a Write becomes one entry at level, so libraries that log through an
// io.Writer land in the cmdgate log.
func Writer(level Level) io.Writer {
	return levelWriter(level)
}

type levelWriter Level

func (w levelWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		std.log(Level(w), "%s", line)
	}
	return len(p), nil
}
