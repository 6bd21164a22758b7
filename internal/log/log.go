// Package log provides structured, colored logging for the miner.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the miner.
var (
	Miner     zerolog.Logger
	Round     zerolog.Logger
	Session   zerolog.Logger
	Tx        zerolog.Logger
	Chain     zerolog.Logger
	Events    zerolog.Logger
	Wallet    zerolog.Logger
	Storage   zerolog.Logger
	Telemetry zerolog.Logger
)

const consoleTimeFormat = "15:04:05"

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init configures the global logger. Console output is colored unless
// jsonOutput is set. When file is non-empty every entry is also appended to
// it as JSON, whatever the console format.
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}

	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = newLogger(out, level)
	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}, level)
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel converts a config level name to a zerolog level. Unknown names
// mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
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

func initComponentLoggers() {
	Miner = WithComponent("miner")
	Round = WithComponent("round")
	Session = WithComponent("session")
	Tx = WithComponent("tx")
	Chain = WithComponent("chain")
	Events = WithComponent("events")
	Wallet = WithComponent("wallet")
	Storage = WithComponent("storage")
	Telemetry = WithComponent("telemetry")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Nop silences every logger. Used by tests that exercise noisy paths.
func Nop() {
	Logger = zerolog.Nop()
	initComponentLoggers()
}
