package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(io.Discard)
)

// InitLogging sets up logging based on configuration. With an empty
// logPath events go to stderr; otherwise they go to a size-rotated file.
// Debug mode lowers the level from info to debug.
func InitLogging(debugMode bool, logPath string) error {
	level := zerolog.InfoLevel
	if debugMode {
		level = zerolog.DebugLevel
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logPath != "" {
		w = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}

	mu.Lock()
	log = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()

	return nil
}

func get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return log
}

func Debugf(format string, v ...any) {
	l := get()
	l.Debug().Msgf(format, v...)
}

func Infof(format string, v ...any) {
	l := get()
	l.Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	l := get()
	l.Warn().Msgf(format, v...)
}

func Errorf(format string, v ...any) {
	l := get()
	l.Error().Msgf(format, v...)
}
