// Package logging builds the zerolog loggers used across pledgeline and keeps
// bearer credentials and invitation tokens out of log output.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"pledgeline/internal/config"
)

// Options controls logger construction. Console defaults to stderr.
type Options struct {
	Level   string
	File    string
	Pretty  bool
	Console io.Writer
}

// FromConfig maps the log section of pledgeline.yml onto Options.
func FromConfig(c config.LogConfig) Options {
	return Options{Level: c.Level, File: c.File, Pretty: c.Pretty}
}

// New returns a logger and a closer for the rotating file writer, if any.
func New(opts Options) (zerolog.Logger, io.Closer) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if opts.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}
	}
	var closer io.Closer = nopCloser{}
	w := console
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		closer = file
		w = zerolog.MultiLevelWriter(console, file)
	}
	logger := zerolog.New(NewRedactingWriter(w)).
		Level(ParseLevel(opts.Level)).
		Hook(NewSensitiveDataHook()).
		With().Timestamp().Logger()
	return logger, closer
}

// ParseLevel falls back to info for empty or unknown levels.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
