// Package logger provides structured slog loggers for the dispatch daemon
// and the CLI. All logs are written in JSON format.
//
// The daemon logs to a size-rotated file under the data directory:
//
//	<logDir>/notiq.log — daemon and pipeline events
//
// One-shot CLI commands log to stderr instead so their output composes
// with shell pipelines.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName = "notiq.log"

	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// NewSystemLogger creates a JSON slog.Logger that writes to <logDir>/notiq.log.
// The directory is created if it does not exist, and the file is rotated once
// it grows past 50 MB, keeping a bounded set of compressed backups. Extra
// handlers, when given, receive a copy of every record; the daemon uses this
// to bridge logs into OpenTelemetry without losing the local file.
func NewSystemLogger(logDir string, level slog.Level, extras ...slog.Handler) (*slog.Logger, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}

	out := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	}
	return slog.New(withExtras(jsonHandler(out, level), extras)), nil
}

// NewCLILogger creates a JSON slog.Logger that writes to stderr. It is meant
// for one-shot commands where a log file would be overkill.
func NewCLILogger(level slog.Level) *slog.Logger {
	return slog.New(jsonHandler(os.Stderr, level))
}

func jsonHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func withExtras(primary slog.Handler, extras []slog.Handler) slog.Handler {
	if len(extras) == 0 {
		return primary
	}
	return append(fanout{primary}, extras...)
}

// fanout duplicates every record across a set of handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
