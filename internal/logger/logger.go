package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Init(lcfg config.LoggingConfig) {
	InitWriter(lcfg, os.Stderr)
}

// InitWriter is Init with an explicit destination.
func InitWriter(lcfg config.LoggingConfig, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))

	// format
	if strings.ToLower(lcfg.Format) == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		// default json
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a child of the global logger tagged with component.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
