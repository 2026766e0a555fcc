// Package mlog provides structured, level-tagged logging with per-package
// log levels and logfmt-style output to a rotating file.
//
// Each Log carries a set of fields that are included on every line logged
// through it. Log levels are configured globally, keyed by package name,
// with the empty string as the fallback.
package mlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelStrings = map[Level]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

var levelNames = map[string]Level{
	"error": LevelError,
	"warn":  LevelWarn,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// ParseLevel maps a §6 log_level configuration string onto a Level.
func ParseLevel(s string) (Level, error) {
	l, ok := levelNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically replaces the package-to-level map used by all Log
// instances. An empty-string key is the default level.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

var output atomic.Value

// writerHolder gives every value stored in output the same concrete type,
// as atomic.Value requires, whatever the writer's own type is.
type writerHolder struct{ w io.Writer }

func init() {
	output.Store(writerHolder{os.Stderr})
}

// SetOutput sets the writer all Log instances write to. Use with a
// *RotatingFile for §4.12's size-based rotation.
func SetOutput(w io.Writer) {
	output.Store(writerHolder{w})
}

var writeMu sync.Mutex

// Pair is a field/value pair included in a logged line.
type Pair struct {
	Key   string
	Value any
}

// Field builds a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger bound to a package name plus any additional fields added
// with Fields. It is safe for concurrent use.
type Log struct {
	pkg    string
	fields []Pair
}

// New returns a logger for the named package. Every line logged through it
// carries a "pkg" field.
func New(pkg string) *Log {
	return &Log{pkg: pkg}
}

// Fields returns a derived Log with additional fields appended to every
// future line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := &Log{pkg: l.pkg, fields: make([]Pair, 0, len(l.fields)+len(fields))}
	nl.fields = append(nl.fields, l.fields...)
	nl.fields = append(nl.fields, fields...)
	return nl
}

func (l *Log) level() Level {
	levels := config.Load().(map[string]Level)
	if lvl, ok := levels[l.pkg]; ok {
		return lvl
	}
	return levels[""]
}

func (l *Log) Error(text string, fields ...Pair) { l.log(LevelError, nil, text, fields...) }
func (l *Log) Errorx(text string, err error, fields ...Pair) {
	l.log(LevelError, err, text, fields...)
}
func (l *Log) Warn(text string, fields ...Pair)  { l.log(LevelWarn, nil, text, fields...) }
func (l *Log) Info(text string, fields ...Pair)  { l.log(LevelInfo, nil, text, fields...) }
func (l *Log) Debug(text string, fields ...Pair) { l.log(LevelDebug, nil, text, fields...) }

func (l *Log) log(level Level, err error, text string, fields ...Pair) {
	if level > l.level() {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString("level=")
	b.WriteString(levelStrings[level])
	b.WriteByte(' ')
	b.WriteString("pkg=")
	b.WriteString(logfmtValue(l.pkg))
	b.WriteByte(' ')
	b.WriteString("msg=")
	b.WriteString(logfmtValue(text))
	if err != nil {
		b.WriteString(" err=")
		b.WriteString(logfmtValue(err.Error()))
	}
	for _, f := range l.fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(logfmtValue(stringValue(f.Value)))
	}
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(logfmtValue(stringValue(f.Value)))
	}
	b.WriteByte('\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	w := output.Load().(writerHolder).w
	_, _ = io.WriteString(w, b.String())
}

func stringValue(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case fmt.Stringer:
		return r.String()
	case error:
		return r.Error()
	case int:
		return strconv.Itoa(r)
	case int64:
		return strconv.FormatInt(r, 10)
	case bool:
		return strconv.FormatBool(r)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' {
			return strconv.Quote(s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}
