// Package logging configures structured logging for the relay.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	File   string // optional rotating log file
}

// New builds the process root logger. Components receive child loggers via
// their constructors; nothing reads a package-level logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	if strings.TrimSpace(cfg.File) != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, rotating)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ForSession returns a child logger carrying the session correlation fields
// used across logs and external systems.
func ForSession(base zerolog.Logger, sessionID string) zerolog.Logger {
	return base.With().Str("session_id", sessionID).Logger()
}

// ForCall extends a session logger with provider call identifiers once the
// media stream has started.
func ForCall(base zerolog.Logger, callSID, streamSID string) zerolog.Logger {
	return base.With().Str("call_sid", callSID).Str("stream_sid", streamSID).Logger()
}
