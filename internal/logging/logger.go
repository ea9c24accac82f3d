// Package logging provides the leveled, component-tagged logger used across
// Polyglot. It mirrors the "**LEVEL:" prefix convention node servers use on
// their stderr stream (see ParseLevel), so child output and core output read the
// same way in the log.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Logger writes leveled, timestamped lines tagged with a component name to
// a single shared stream, e.g. "[2016-04-01T12:00:00Z] isy: WARNING: retrying".
type Logger struct {
	component string
	out       *log.Logger
	min       Level
}

// New creates a Logger for component, writing to os.Stderr.
func New(component string) *Logger {
	return &Logger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
		min:       Debug,
	}
}

// WithComponent returns a Logger for a sub-component, sharing the same
// output stream and minimum level.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: l.component + "." + component, out: l.out, min: l.min}
}

// SetMinLevel suppresses log lines below level.
func (l *Logger) SetMinLevel(level Level) { l.min = level }

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] %s: %s: %s", time.Now().UTC().Format(time.RFC3339), l.component, level, msg)
}

// Log writes at an arbitrary, runtime-determined level — used by callers
// forwarding a child's stderr, where ParseLevel has already picked the
// level out of the line.
func (l *Logger) Log(level Level, format string, args ...any) { l.log(level, format, args...) }

func (l *Logger) Debug(format string, args ...any)   { l.log(Debug, format, args...) }
func (l *Logger) Info(format string, args ...any)     { l.log(Info, format, args...) }
func (l *Logger) Warning(format string, args ...any)  { l.log(Warning, format, args...) }
func (l *Logger) Error(format string, args ...any)    { l.log(Error, format, args...) }

// ParseLevel maps a node server's "**LEVEL:" stderr marker to a Level.
// Unknown or missing markers are treated as Error, per the resolution of
// the corresponding open question: a node server's stderr contract around
// these prefixes cannot be assumed stable, so anything unrecognized is
// surfaced at the loudest level rather than silently swallowed.
func ParseLevel(line string) (Level, string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "**") {
		return Error, trimmed
	}
	rest := trimmed[2:]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return Error, trimmed
	}
	marker := rest[:idx]
	body := strings.TrimSpace(rest[idx+1:])
	switch strings.ToUpper(marker) {
	case "DEBUG":
		return Debug, body
	case "INFO":
		return Info, body
	case "WARNING", "WARN":
		return Warning, body
	case "ERROR":
		return Error, body
	default:
		return Error, trimmed
	}
}
