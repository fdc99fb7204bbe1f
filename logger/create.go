// Package logger builds the zerolog loggers used throughout the proxy: a
// colorized console writer when attached to a terminal, and an optional
// rotated log file.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogLevelFlag = "loglevel"
	LogFileFlag  = "logfile"

	dirPermMode = 0744 // rwxr--r--

	consoleTimeFormat = time.RFC3339

	rotatedFileSizeMB = 100
	rotatedFileCount  = 3
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = utcNow
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("Falling back to a default logger due to logger setup failure: %s", err)
	return &failLog
}

// resilientMultiWriter never lets one writer's error break the others; a
// failing file writer must not silence the console.
type resilientMultiWriter struct {
	writers []io.Writer
}

func (t resilientMultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

// CreateLoggerFromContext builds the root logger for a CLI invocation.
func CreateLoggerFromContext(c *cli.Context) *zerolog.Logger {
	return newLogger(c.String(LogLevelFlag), c.String(LogFileFlag))
}

func newLogger(levelName, filePath string) *zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{consoleWriter()}
	if filePath != "" {
		fileWriter, err := createFileWriter(filePath)
		if err != nil {
			return fallbackLogger(err)
		}
		writers = append(writers, fileWriter)
	}

	log := zerolog.New(resilientMultiWriter{writers: writers}).With().Timestamp().Logger().Level(level)
	return &log
}

func consoleWriter() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.ConsoleWriter{
			Out:        colorable.NewColorable(os.Stderr),
			TimeFormat: consoleTimeFormat,
		}
	}
	return os.Stderr
}

func createFileWriter(filePath string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), dirPermMode); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotatedFileSizeMB,
		MaxBackups: rotatedFileCount,
	}, nil
}
