// Package logger provides the leveled logger used across the exchange
// core. Every subsystem takes a Logger rather than reaching for the
// global log package.
//
// Grounded on the teacher's device/logger.go three-tier level-gating
// closure, extended with a With(...) that threads peer/session
// context (publicId prefix, transport kind) through to every line a
// scheduler or exchange session emits, the way the pack's structured
// loggers (e.g. tendermint/cometbft's libs/log.With) carry fields
// through a derived logger instead of interpolating them ad hoc into
// each format string.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

var _ Logger = &basicLogger{}

// Logger is the interface every core package depends on. Callers that
// don't care about logging can pass New(LevelSilent, "").
type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})

	// With returns a derived Logger that prefixes every line with the
	// given key=value pairs, e.g. log.With("peer", cand.Key).Debugf(...).
	// kv must be an even number of arguments; a trailing key with no
	// value is dropped.
	With(kv ...interface{}) Logger
}

type basicLogger struct {
	level   int
	prepend string
	fields  string

	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

// New returns a Logger gated at level, prefixing every line with prepend.
func New(level int, prepend string) Logger {
	return build(level, prepend, "")
}

func build(level int, prepend, fields string) Logger {
	output := os.Stdout

	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		if level >= LevelDebug {
			return output, output, output
		}
		if level >= LevelInfo {
			return output, output, io.Discard
		}
		if level >= LevelError {
			return output, io.Discard, io.Discard
		}
		return io.Discard, io.Discard, io.Discard
	}()

	tag := prepend + fields
	return &basicLogger{
		level:   level,
		prepend: prepend,
		fields:  fields,
		debug:   log.New(logDebug, "DEBUG: "+tag, log.Ldate|log.Ltime),
		info:    log.New(logInfo, "INFO: "+tag, log.Ldate|log.Ltime),
		err:     log.New(logErr, "ERROR: "+tag, log.Ldate|log.Ltime),
	}
}

func (l *basicLogger) With(kv ...interface{}) Logger {
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%v=%v ", kv[i], kv[i+1])
	}
	return build(l.level, l.prepend, b.String())
}

func (l *basicLogger) Debug(v ...interface{})            { l.debug.Println(v...) }
func (l *basicLogger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *basicLogger) Info(v ...interface{})             { l.info.Println(v...) }
func (l *basicLogger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *basicLogger) Error(v ...interface{})            { l.err.Println(v...) }
func (l *basicLogger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }
