// Package logging configures the process logger. Logs are emitted through log/slog as JSON or text, to stderr or
// to a rotated file, and the standard library logger is bridged so log.Printf call sites keep working.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/tarancss/deeds/lib/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the configured process logger.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	out   io.WriteCloser
}

// Setup installs the default slog logger and bridges the standard library logger into it. Every line carries
// the service name and instance id.
func Setup(service, instance string, conf config.LogConfig) *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(ParseLevel(conf.Level))

	var w io.Writer = os.Stderr

	if conf.File != "" {
		l.out = &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
			Compress:   true,
		}
		w = l.out
	}

	opts := &slog.HandlerOptions{Level: l.level}

	var handler slog.Handler
	if strings.EqualFold(conf.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	attrs := []slog.Attr{slog.String("service", service)}
	if instance != "" {
		attrs = append(attrs, slog.String("instance", instance))
	}

	handler = handler.WithAttrs(attrs)
	l.Logger = slog.New(handler)
	slog.SetDefault(l.Logger)

	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return l
}

// SetLevel changes the level of the logger at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}

	return l.out.Close()
}

// ParseLevel returns the slog level named s, info when unknown.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
