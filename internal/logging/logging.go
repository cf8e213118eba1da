package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Options configures the process-wide logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	File   string // optional path; output is tee'd to stdout and the file
}

// sanitizeMessage normalizes a log message to a single line and removes
// control characters that can be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"auth_header",
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// sanitizingHandler redacts sensitive attributes and flattens string values
// before handing records to the wrapped handler. Remote SMTP replies end up
// in log fields, so they must not be able to forge log lines.
type sanitizingHandler struct {
	next slog.Handler
}

func (h sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h sanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, sanitizeMessage(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return sanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h sanitizingHandler) WithGroup(name string) slog.Handler {
	return sanitizingHandler{next: h.next.WithGroup(name)}
}

var levelVar = new(slog.LevelVar)

// SetLevel adjusts the level of the logger installed by Setup at runtime.
func SetLevel(level slog.Level) { levelVar.Set(level) }

// GetLevel returns the current level of the logger installed by Setup.
func GetLevel() slog.Level { return levelVar.Level() }

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds the handler used by Setup on top of w.
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: levelVar}
	switch strings.ToLower(format) {
	case "json", "":
		return sanitizingHandler{next: slog.NewJSONHandler(w, opts)}, nil
	case "text":
		return sanitizingHandler{next: slog.NewTextHandler(w, opts)}, nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// Setup installs the default slog logger. The returned closer releases the
// log file, if any, and is safe to call when no file was opened.
func Setup(opts Options) (io.Closer, error) {
	level, err := StringToLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}
	levelVar.Set(level)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	handler, err := NewHandler(out, opts.Format)
	if err != nil {
		closer.Close()
		return nil, err
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("Logging initialized",
		"log_level", LevelToString(level),
		"log_file", opts.File,
	)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
