// Package logging builds the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// FormatText writes human-readable lines, suited to terminals.
	FormatText = "text"
	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
)

// Options selects level, format and destination.
type Options struct {
	Level  string
	Format string
	// File, when set, receives log output instead of stderr. Files default to JSON.
	File string
}

// Logger wraps the logrus logger together with the file it writes to, if any.
type Logger struct {
	*log.Logger
	file *os.File
}

// New creates a logger from opts. An unknown level falls back to info.
func New(opts Options) (*Logger, error) {
	logger := log.New()

	level, err := log.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	out := &Logger{Logger: logger}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out.file = file
		logger.SetOutput(file)
		if format == "" {
			format = FormatJSON
		}
	} else {
		logger.SetOutput(os.Stderr)
	}

	if format == FormatJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	return out, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

// Component returns an entry tagged with the component name.
func (l *Logger) Component(name string) *log.Entry {
	return l.WithField("component", name)
}

// Close closes the log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
