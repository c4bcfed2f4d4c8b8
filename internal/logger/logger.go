package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"dmchat/internal/config"
)

// New builds the process logger. Pretty output is meant for local development only.
func New(cfg config.Logger) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
