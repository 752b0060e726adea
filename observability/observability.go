// Package observability holds the logging abstraction the library
// emits progress and diagnostics through. Callers plug in their own
// Logger; the zero value of everything here is silent.
package observability

import (
	"fmt"
	"io"
	"sync"
)

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type Field interface {
	Key() string
	Value() interface{}
}

type stringField struct{ key, val string }

func (f stringField) Key() string        { return f.key }
func (f stringField) Value() interface{} { return f.val }

type intField struct {
	key string
	val int
}

func (f intField) Key() string        { return f.key }
func (f intField) Value() interface{} { return f.val }

type int64Field struct {
	key string
	val int64
}

func (f int64Field) Key() string        { return f.key }
func (f int64Field) Value() interface{} { return f.val }

type errorField struct {
	key string
	err error
}

func (f errorField) Key() string        { return f.key }
func (f errorField) Value() interface{} { return f.err }

func String(key, value string) Field      { return stringField{key, value} }
func Int(key string, value int) Field     { return intField{key, value} }
func Int64(key string, value int64) Field { return int64Field{key, value} }
func Error(key string, err error) Field   { return errorField{key, err} }

type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (NopLogger) With(...Field) Logger   { return NopLogger{} }

const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// TextLogger writes one line per event, suitable for CLI output.
// Events below the configured minimum level are dropped.
type TextLogger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel int
	with     []Field
}

func NewTextLogger(out io.Writer, minLevel int) *TextLogger {
	return &TextLogger{out: out, minLevel: minLevel}
}

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l *TextLogger) log(level int, msg string, fields []Field) {
	if level < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%-5s %s", levelNames[level], msg)
	for _, f := range l.with {
		fmt.Fprintf(l.out, " %s=%v", f.Key(), f.Value())
	}
	for _, f := range fields {
		fmt.Fprintf(l.out, " %s=%v", f.Key(), f.Value())
	}
	fmt.Fprintln(l.out)
}

func (l *TextLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *TextLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *TextLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *TextLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *TextLogger) With(fields ...Field) Logger {
	child := &TextLogger{out: l.out, minLevel: l.minLevel}
	child.with = append(append([]Field{}, l.with...), fields...)
	return child
}
