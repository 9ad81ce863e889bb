/*
Package logx provides a structured logging wrapper based on zerolog.

It initializes the global logger, picks the output format (console or JSON)
based on the environment, optionally tees output into a rotating log file,
and offers key/value helpers for the common levels.
*/
package logx

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls InitGlobalLogger.
type Options struct {
	Development bool
	// LogFile enables a rotating JSON file sink in addition to the console.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitGlobalLogger initializes the global zerolog instance.
// Development: debug level, human readable console output.
// Production: info level, JSON output.
func InitGlobalLogger(opts Options) error {
	zerolog.TimeFieldFormat = time.RFC3339

	var console io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if opts.Development {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{console}
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    orDefault(opts.MaxSizeMB, 20),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Caller().Logger()
	log.Logger = logger
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger returns the global zerolog.Logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Silence drops everything below error level. Used by tests.
func Silence() {
	log.Logger = log.Logger.Level(zerolog.ErrorLevel)
}

// checkFields validates that fields come in key/value pairs.
// An odd count is reported and the fields are dropped.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msg("logx call received odd number of fields, fields ignored")
		return nil
	}
	return fields
}

// Debug records a message at debug level.
func Debug(msg string, fields ...any) {
	Logger().Debug().Fields(checkFields("Debug", fields)).CallerSkipFrame(1).Msg(msg)
}

// Info records a message at info level.
func Info(msg string, fields ...any) {
	Logger().Info().Fields(checkFields("Info", fields)).CallerSkipFrame(1).Msg(msg)
}

// Warn records a message at warn level.
func Warn(msg string, fields ...any) {
	Logger().Warn().Fields(checkFields("Warn", fields)).CallerSkipFrame(1).Msg(msg)
}

// Error records err and a message at error level.
func Error(err error, msg string, fields ...any) {
	Logger().Error().Err(err).Fields(checkFields("Error", fields)).CallerSkipFrame(1).Msg(msg)
}

// Fatal records a message at fatal level and exits the process.
func Fatal(err error, msg string, fields ...any) {
	Logger().Fatal().Err(err).Fields(checkFields("Fatal", fields)).CallerSkipFrame(1).Msg(msg)
}
