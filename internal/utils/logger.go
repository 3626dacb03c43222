package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Debug bool
	File  string // optional rotated log file, written in addition to stderr
}

// InitLogger configures the global zerolog logger. The returned closer flushes
// the log file, if any, and is safe to call when no file was configured.
func InitLogger(cfg LogConfig) io.Closer {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
			LocalTime:  true,
		}
		out = io.MultiWriter(out, rotator)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return logCloser{rotator}
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

type logCloser struct {
	rotator *lumberjack.Logger
}

func (c logCloser) Close() error {
	if c.rotator == nil {
		return nil
	}
	return c.rotator.Close()
}
