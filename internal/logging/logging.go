// Package logging provides structured logging configuration for the kl agent.
//
// Logging Strategy:
// - JSON format for the server, to stdout (journald) or a size-rotated file
// - Source locations included for debugging (file:line)
// - Log levels configurable via config file (debug, info, warn, error)
// - Plain text to stderr for the command-line client
//
// Usage:
//
//	logger := logging.SetupLogger(logging.Options{Level: "info", Path: cfg.LogPath, MaxSizeMB: 500})
//	logger.Info("action description", "key", value)
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how verbosely the server logs.
type Options struct {
	Level string
	// Path is the log file. Empty writes to stdout.
	Path string
	// MaxSizeMB rotates the file once it grows past this size.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept. Zero keeps all.
	MaxBackups int
}

// SetupLogger creates a structured JSON logger and sets it as the slog
// default. Invalid levels default to "info". When Path is set the parent
// directory is created and the file is rotated by size.
func SetupLogger(opts Options) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(output(opts), handlerOptions(opts.Level)))
	slog.SetDefault(logger)
	return logger
}

// SetupCLILogger returns a text logger on w for the client tool.
func SetupCLILogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func output(opts Options) io.Writer {
	if opts.Path == "" {
		return os.Stdout
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		// Fall back rather than lose logs entirely.
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
}

func handlerOptions(level string) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = trimModule(src.File, true)
					src.Function = trimModule(src.Function, false)
				}
			}
			return a
		},
	}
}

// trimModule cuts a source path or function name down to the part from
// internal/ on. Paths outside internal/ keep only their base name.
func trimModule(s string, isPath bool) string {
	if idx := strings.Index(s, "internal/"); idx != -1 {
		return s[idx:]
	}
	if isPath {
		return filepath.Base(s)
	}
	return s
}

// parseLevel accepts slog level names plus "warning", case-insensitively.
// Anything else is info.
func parseLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var l slog.Level
	if level == "" || l.UnmarshalText([]byte(level)) != nil {
		return slog.LevelInfo
	}
	return l
}

// WithComponent returns a logger with a pre-set component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
