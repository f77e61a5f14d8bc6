// Package rlog provides structured logging for rye using zerolog.
//
// Every long-lived goroutine (heartbeat worker, copier, writer, analyzer,
// applier lane) creates its own component logger on entry rather than
// relying on package-level state, so diagnostic context never leaks
// between unrelated workers.
package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Component loggers derive from it.
var Logger zerolog.Logger

// Level names accepted by Init.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the global logger. Call once per process, before any
// component logger is derived.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a logger tagged with the owning subsystem
// (e.g. "heartbeat", "copier", "analyzer", "applier").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode tags a logger with the cluster node id.
func WithNode(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithDB tags a logger with the database (prefix) name being replicated.
func WithDB(dbName string) zerolog.Logger {
	return Logger.With().Str("db", dbName).Logger()
}

// WithApplier tags a logger with an applier lane index.
func WithApplier(index int) zerolog.Logger {
	return Logger.With().Int("applier", index).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs msg at error level with err attached.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

// Alert logs a supervisor-level failure at error severity with an
// "event" field, the structured equivalent of a syslog LOG_ALERT line.
func Alert(event, msg string) {
	Logger.Error().Str("event", event).Msg(msg)
}
