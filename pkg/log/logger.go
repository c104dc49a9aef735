// Package log wraps zerolog with a process-wide logger that tags every
// event with the service name and the emitting goroutine.
package log

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Enough for "goroutine 123456789 [".
	stackBufSize      = 32
	consoleTimeFormat = "15:04:05"
	unknownGoroutine  = "unknown"
)

var goroutinePrefix = []byte("goroutine ")

var (
	Logger zerolog.Logger

	mu       sync.Mutex
	stackBuf = sync.Pool{New: func() any { return new([stackBufSize]byte) }}
	level    = zerolog.InfoLevel
	service  string
	output   io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}
)

func init() {
	rebuild()
}

// goroutineID reads the current goroutine id from the first stack line.
func goroutineID() string {
	buf := stackBuf.Get().(*[stackBufSize]byte)
	defer stackBuf.Put(buf)

	stack := buf[:runtime.Stack(buf[:], false)]
	rest, found := bytes.CutPrefix(stack, goroutinePrefix)
	if !found {
		return unknownGoroutine
	}

	end := bytes.IndexByte(rest, ' ')
	if end <= 0 {
		return unknownGoroutine
	}
	return string(rest[:end])
}

// rebuild must be called with mu held or from init.
func rebuild() {
	ctx := zerolog.New(output).Level(level).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}

	Logger = ctx.Logger().Hook(zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
		e.Str("goid", goroutineID())
	}))
	log.Logger = Logger
}

// Info starts an info event.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Error starts an error event.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Warn starts a warning event.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Debug starts a debug event.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal starts an event that exits the process once sent.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// SetService tags all following events with name.
func SetService(name string) {
	mu.Lock()
	defer mu.Unlock()
	service = name
	rebuild()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	SetLevel("debug")
}

// SetLevel switches the logger to the named level. Unknown names fall back to info.
func SetLevel(name string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	level = parsed
	rebuild()
}

// SetJSONOutput writes plain JSON lines to out.
func SetJSONOutput(out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = out
	rebuild()
}

// SetConsoleOutput writes human-readable lines to out.
func SetConsoleOutput(out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat, NoColor: true}
	rebuild()
}
