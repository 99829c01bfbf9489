// Package logger wraps log/slog behind a small interface matching the
// shape exercised by the rest of the engine: leveled calls with and
// without formatting, attribute/group chaining, and a context carrier so
// deeply-nested calls (hooks, scheduler workers, the watcher loop) don't
// need a logger threaded through every signature.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the interface every engine component logs through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

type logger struct {
	slog  *slog.Logger
	debug bool
}

// Option configures a Logger built by NewLogger.
type Option func(*options)

type options struct {
	debug   bool
	quiet   bool
	format  string // "text" | "json"
	writer  io.Writer
	logFile string
}

// WithDebug enables debug-level output and source-location attribution.
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithQuiet suppresses the default stderr sink, useful in tests that
// only want to inspect a custom writer.
func WithQuiet() Option { return func(o *options) { o.quiet = true } }

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithWriter adds an additional sink, fanned out alongside stderr/file
// sinks via slog-multi.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithLogFile tees output to a file path in addition to other sinks.
func WithLogFile(path string) Option { return func(o *options) { o.logFile = path } }

// NewLogger constructs a Logger from the given options.
func NewLogger(opts ...Option) Logger {
	o := &options{format: "text"}
	for _, fn := range opts {
		fn(o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}

	var handlers []slog.Handler
	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: o.debug}

	addHandler := func(w io.Writer) {
		if o.format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(w, handlerOpts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, handlerOpts))
		}
	}

	if o.writer != nil {
		addHandler(o.writer)
	}
	if o.logFile != "" {
		if f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			addHandler(f)
		}
	}
	if !o.quiet {
		addHandler(os.Stderr)
	}

	var base slog.Handler
	switch len(handlers) {
	case 0:
		base = slog.NewTextHandler(io.Discard, handlerOpts)
	case 1:
		base = handlers[0]
	default:
		base = slogmulti.Fanout(handlers...)
	}

	return &logger{slog: slog.New(withSource(base, o.debug)), debug: o.debug}
}

// withSource wraps base so the logged source attribution reflects the
// caller of Logger's methods, not logger.go itself.
func withSource(base slog.Handler, debug bool) slog.Handler {
	if !debug {
		return base
	}
	return &sourceHandler{Handler: base}
}

type sourceHandler struct {
	slog.Handler
}

func (h *sourceHandler) Handle(ctx context.Context, r slog.Record) error {
	pc := callerPC()
	if pc != 0 {
		nr := slog.NewRecord(r.Time, r.Level, r.Message, pc)
		r.Attrs(func(a slog.Attr) bool { nr.AddAttrs(a); return true })
		r = nr
	}
	return h.Handler.Handle(ctx, r)
}

// callerPC walks the stack past this package's own frames to find the
// first caller outside internal/logger.
func callerPC() uintptr {
	var pcs [16]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function != "" && !isInternal(f.File) {
			return f.PC
		}
		if !more {
			break
		}
	}
	return 0
}

// internalMarkers lists path fragments whose frames should be skipped
// when hunting for the real call site: this package's own frames, and
// the log/slog machinery between Logger.log and Handle.
var internalMarkers = []string{"internal/logger/", "log/slog/"}

func isInternal(file string) bool {
	for _, marker := range internalMarkers {
		if containsMarker(file, marker) {
			return true
		}
	}
	return false
}

func containsMarker(file, marker string) bool {
	for i := 0; i+len(marker) <= len(file); i++ {
		if file[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func (l *logger) log(level slog.Level, msg string, args ...any) {
	l.slog.Log(context.Background(), level, msg, args...)
}

func (l *logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *logger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l *logger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l *logger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l *logger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...)) }

func (l *logger) With(args ...any) Logger {
	return &logger{slog: l.slog.With(args...), debug: l.debug}
}

func (l *logger) WithGroup(name string) Logger {
	return &logger{slog: l.slog.WithGroup(name), debug: l.debug}
}

// timestamped formats t for the timestamp field of the on-disk log
// filename that BuildLogFilename builds.
func timestamped(t time.Time) string {
	return t.Format("20060102.15:04:05.000")
}

// BuildLogFilename names a request-scoped log file the way dagu's own
// buildLogFilename does: prefix, a filesystem-safe recipe/run name, the
// invocation timestamp, and the request ID truncated to 8 characters.
func BuildLogFilename(prefix, name, requestID string, t time.Time) string {
	return fmt.Sprintf("%s%s.%s.%s.log", prefix, safeName(name), timestamped(t), truncString(requestID, 8))
}

// truncString truncates s to at most n bytes, leaving it unchanged when
// already shorter.
func truncString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// safeName strips anything but alphanumerics, '-', and '_' out of name
// so it can be embedded in a log filename without escaping.
func safeName(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
