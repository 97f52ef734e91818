// Package logging configures the global zerolog logger: console output
// always, plus an optional rotating file for long-running migrations.
package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	timeFormat = "2006-01-02 15:04:05"

	maxSizeMB  = 50
	maxBackups = 5
	maxAgeDays = 30
)

// Setup applies the verbosity ladder (0 info, 1 debug, 2+ trace) and
// wires console output, mirrored into a rotating file when logFile is
// non-empty.
func Setup(verbosity int, logFile string) {
	switch verbosity {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default: // 2+
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	if logFile == "" {
		return
	}
	if err := ensureLogDir(logFile); err != nil {
		log.Error().Err(err).Str("path", logFile).Msg("failed to prepare log directory, logging to console only")
		return
	}

	file := zerolog.ConsoleWriter{
		Out: &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
		TimeFormat: timeFormat,
		NoColor:    true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
