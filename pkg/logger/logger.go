// Package logger is the structured logger handed to the referral services.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"
)

// Logger defines structured logging interface
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	*slog.Logger
}

func (l slogLogger) With(args ...any) Logger {
	return slogLogger{l.Logger.With(args...)}
}

// Options controls output format and error forwarding.
type Options struct {
	Level string
	// Text switches to human-readable lines, for local development.
	Text bool
	// Attrs are attached to every record, e.g. service and environment.
	Attrs []any
	// Sentry receives error records as events. Nil disables forwarding.
	Sentry *sentry.Hub
}

// New creates a JSON logger on stdout at the given level.
func New(level string) Logger {
	return NewWithOptions(os.Stdout, Options{Level: level})
}

// NewWithWriter is New writing JSON lines to w.
func NewWithWriter(w io.Writer, level string) Logger {
	return NewWithOptions(w, Options{Level: level})
}

func NewWithOptions(w io.Writer, opts Options) Logger {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if opts.Text {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	if opts.Sentry != nil {
		h = &sentryHandler{Handler: h, hub: opts.Sentry}
	}
	return slogLogger{slog.New(h).With(opts.Attrs...)}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() Logger {
	return slogLogger{slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))}
}

// sentryHandler reports error records to Sentry with their attributes as
// extras, and leaves warnings as breadcrumbs on the hub.
type sentryHandler struct {
	slog.Handler
	hub   *sentry.Hub
	attrs []slog.Attr
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		extras := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			extras[a.Key] = a.Value.String()
		}
		r.Attrs(func(a slog.Attr) bool {
			extras[a.Key] = a.Value.String()
			return true
		})
		h.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtras(extras)
			scope.SetLevel(sentry.LevelError)
			h.hub.CaptureMessage(r.Message)
		})
	case r.Level >= slog.LevelWarn:
		h.hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category:  "log",
			Message:   r.Message,
			Level:     sentry.LevelWarning,
			Timestamp: r.Time,
		}, nil)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &sentryHandler{Handler: h.Handler.WithAttrs(attrs), hub: h.hub, attrs: merged}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithGroup(name), hub: h.hub, attrs: h.attrs}
}
