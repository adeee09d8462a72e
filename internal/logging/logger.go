package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the handler and the optional rotating file sink.
type Options struct {
	Level      string
	Format     string // "text" or "json"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Stdout defaults to os.Stdout. In MCP stdio mode it must not be stdout.
	Stdout io.Writer
}

// New creates a slog.Logger writing to stdout and, when File is set, to a
// size-rotated log file. The returned closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	if opts.Stdout != nil {
		out = opts.Stdout
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		out = io.MultiWriter(out, file)
		closer = file
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler), closer
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
