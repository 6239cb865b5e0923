// Package logging builds the process logger from the logging configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config holds logging settings
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig logs text at info level
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
	}
}

// Validate checks that level and format are known
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// New returns a logger writing to w in the configured format
func New(config Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s (must be text or json)", config.Format)
	}

	return slog.New(handler), nil
}
