package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	timeLayout = "2006-01-02 15:04:05.000"
	reset      = "\033[0m"
)

type Options struct {
	Level slog.Leveler
	// Source prints file:line of the call site.
	Source bool
	// Color wraps the level in ANSI colors.
	Color bool
	// Stack appends a stack trace to error records that carry an error attr.
	Stack bool
}

type prettyHandler struct {
	mu   *sync.Mutex
	out  io.Writer
	opts Options

	prefix string
	attrs  []byte
	hasErr bool
}

func NewPrettyHandler(out io.Writer, opts Options) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &prettyHandler{mu: &sync.Mutex{}, out: out, opts: opts}
}

// Init installs the pretty handler on stdout as the process default.
func Init(levelName string) *slog.Logger {
	logger := slog.New(NewPrettyHandler(os.Stdout, Options{
		Level:  ParseLevel(levelName),
		Source: true,
		Color:  true,
		Stack:  true,
	}))
	slog.SetDefault(logger)
	return logger
}

func (h *prettyHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.opts.Level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.Format(timeLayout))
	buf.WriteByte(' ')

	if h.opts.Color {
		fmt.Fprintf(&buf, "%s%-5s%s ", colorForLevel(r.Level), levelToUpper(r.Level), reset)
	} else {
		fmt.Fprintf(&buf, "%-5s ", levelToUpper(r.Level))
	}

	if h.opts.Source {
		if file, line := caller(r.PC); file != "" {
			fmt.Fprintf(&buf, "%-25s ", fmt.Sprintf("%s:%d", filepath.Base(file), line))
		}
	}

	buf.WriteString(r.Message)
	buf.Write(h.attrs)

	var errVal error
	r.Attrs(func(a slog.Attr) bool {
		if e, ok := a.Value.Any().(error); ok && a.Key == "error" {
			errVal = e
		}
		appendAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteByte('\n')

	if h.opts.Stack && r.Level >= slog.LevelError && (errVal != nil || h.hasErr) {
		buf.Write(debug.Stack())
		buf.WriteByte('\n')
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	var buf bytes.Buffer
	buf.Write(h.attrs)
	for _, a := range attrs {
		if _, ok := a.Value.Any().(error); ok && a.Key == "error" {
			next.hasErr = true
		}
		appendAttr(&buf, h.prefix, a)
	}
	next.attrs = buf.Bytes()
	return &next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(buf, group, ga)
		}
		return
	}
	fmt.Fprintf(buf, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

func levelToUpper(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func colorForLevel(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // cyan
	case l < slog.LevelWarn:
		return "\033[32m" // green
	case l < slog.LevelError:
		return "\033[33m" // yellow
	default:
		return "\033[31m" // red
	}
}

func caller(pc uintptr) (string, int) {
	if pc == 0 {
		return "", 0
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return f.File, f.Line
}
