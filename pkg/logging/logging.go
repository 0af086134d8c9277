// Package logging configures structured logging for the office-hours server
// and client.
//
// Both binaries log through log/slog. Levels from most to least verbose are
// debug, info, warn and error; "warning" is accepted for warn. Defaults can
// come from OFFICEHOURS_LOG_LEVEL and OFFICEHOURS_LOG_FORMAT.
//
// Usage:
//
//	logging.Setup(logging.FromEnv(os.Stderr))
//	slog.Info("queue joined", "queue", 42)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvLevel  = "OFFICEHOURS_LOG_LEVEL"
	EnvFormat = "OFFICEHOURS_LOG_FORMAT"
)

// Options controls how logging is configured.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "text" or "json" (default: "text")
	Output io.Writer // where to write logs (default: os.Stdout)
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"":        slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// FromEnv returns options read from the OFFICEHOURS_LOG_* variables.
func FromEnv(out io.Writer) Options {
	return Options{
		Level:  os.Getenv(EnvLevel),
		Format: os.Getenv(EnvFormat),
		Output: out,
	}
}

// ParseLevel converts a level name to slog.Level. Unrecognized names map
// to info.
func ParseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// Validate returns an error if the level or format is not recognized.
func Validate(opts Options) error {
	if _, ok := levels[strings.ToLower(strings.TrimSpace(opts.Level))]; !ok {
		return fmt.Errorf("unknown log level %q (valid: %s)", opts.Level, LevelNames())
	}
	switch strings.ToLower(opts.Format) {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
	}
}

// New builds a logger without installing it.
func New(opts Options) (*slog.Logger, error) {
	if err := Validate(opts); err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler), nil
}

// Setup installs a logger built from opts as the slog default. Call it
// early in main, before anything logs.
func Setup(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// LevelNames returns all valid level names, for --help text.
func LevelNames() string {
	return "debug, info, warn, error"
}
