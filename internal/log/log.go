package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/garakd/internal/model"

	slogmulti "github.com/samber/slog-multi"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored in a context by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, slogKey, merged)
}

// New creates a logger for the service configuration. A log file target fans out
// to a text handler on stderr and a JSON handler writing into the file.
// The returned function closes the log file.
func New(cfg *model.Service) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if cfg.IsVerbose() {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}
	noop := func() error { return nil }

	switch target := cfg.LogTarget(); target {
	case model.LogStderr:
		return slog.New(NewContextHandler(slog.NewJSONHandler(os.Stderr, opts))), noop, nil
	case model.LogStdout:
		return slog.New(NewContextHandler(slog.NewJSONHandler(os.Stdout, opts))), noop, nil
	case model.LogDiscard:
		return slog.New(NewContextHandler(slog.NewJSONHandler(io.Discard, opts))), noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("opening log file %s: %w", target, err)
		}
		return NewFanout(os.Stderr, f, level), f.Close, nil
	}
}

// NewFanout logs human readable text to console and JSON to file.
func NewFanout(console, file io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(NewContextHandler(slogmulti.Fanout(consoleHandler, fileHandler)))
}
