package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options control how New builds the logger.
type Options struct {
	// Level is shared with the handler, so changing it later adjusts
	// the running logger. A nil Level means info.
	Level       *slog.LevelVar
	AddSource   bool
	Environment string
	Output      io.Writer
}

// New returns a text logger for dev and staging and a JSON logger for
// prod. Every record carries the environment attribute.
func New(opts Options) *slog.Logger {
	level := opts.Level
	if level == nil {
		level = new(slog.LevelVar)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(opts.Environment) == "prod" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler).With(
		slog.String("environment", opts.Environment),
	)
}

// NewLevel returns a LevelVar preset to the named level.
func NewLevel(name string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(name))
	return lv
}

// ParseLevel maps debug, info, warn and error to their slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
