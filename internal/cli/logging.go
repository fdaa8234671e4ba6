package cli

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/pagecast/internal/config"
)

// configureLogger installs the global slog logger. Without a file name it
// writes to stderr.
func configureLogger(cfg config.LogConfig, level slog.Level, stderr io.Writer) *slog.Logger {
	var w io.Writer = stderr
	addSource := false
	if strings.TrimSpace(cfg.Filename) != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		addSource = true
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	}))
	slog.SetDefault(logger)
	return logger
}
