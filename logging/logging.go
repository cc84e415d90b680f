// Package logging provides leveled, line-oriented console logging for
// dispatchers, transports and coordinators.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
// Loggers derived with WithComponent share the output and its lock.
type Logger struct {
	out       *output
	minLevel  Level
	component string
}

type output struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		out:      &output{w: os.Stdout},
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		out:       l.out,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer for this logger and every logger derived from it.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w.Write([]byte(line))
}

// --- Lifecycle logging helpers ---

// Dispatch logs a lifecycle request handed to the transport.
func (l *Logger) Dispatch(action, taskID string) {
	l.Debug("dispatch", map[string]interface{}{
		"action": action,
		"task":   taskID,
	})
}

// SubmitFailed logs a request that never reached the transport.
func (l *Logger) SubmitFailed(action, taskID string, err error) {
	l.Warn("submit_failed", map[string]interface{}{
		"action": action,
		"task":   taskID,
		"error":  err.Error(),
	})
}

// Rejected logs a request refused by the coordinator.
func (l *Logger) Rejected(action, taskID string, err error) {
	l.Info("rejected", map[string]interface{}{
		"action": action,
		"task":   taskID,
		"error":  err.Error(),
	})
}

// Transition logs a task state change recorded by the coordinator.
func (l *Logger) Transition(taskID, from, to string) {
	l.Info("transition", map[string]interface{}{
		"task": taskID,
		"from": from,
		"to":   to,
	})
}
