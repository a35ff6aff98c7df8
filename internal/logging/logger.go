package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrEthical07/careAuth/internal/config"
)

// New returns a logger writing to the configured output with service and
// version attached to every record.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	return slog.New(newHandler(cfg, version, nil))
}

func newHandler(cfg config.LoggingConfig, version string, w io.Writer) slog.Handler {
	output := w
	if output == nil {
		switch strings.ToLower(cfg.Output) {
		case "stderr":
			output = os.Stderr
		default:
			output = os.Stdout
		}
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return handler.WithAttrs([]slog.Attr{
		slog.String("service", "careauth"),
		slog.String("version", version),
	})
}

// parseLevel defaults to info for unknown values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Default is used before the config file has been read.
func Default() *slog.Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
