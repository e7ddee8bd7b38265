// Package logging builds the debug logger shared by every component of a run.
//
// Logging is off unless verbose mode or a log file is configured, so the
// wrapper stays silent when used as a drop-in replacement for the analyzer.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/logfmt"
	"github.com/apex/log/handlers/text"

	"github.com/Norgate-AV/linter-cache/internal/config"
)

// Logger is a configured logger plus the sink it writes to
type Logger struct {
	log.Interface

	closer io.Closer
}

// Close releases the log file, if one was opened
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}

	return l.closer.Close()
}

// New creates the logger for cfg. Records go to cfg.LogFile (appended) when
// set, to stderr when verbose, and nowhere otherwise.
func New(cfg *config.Config, stderr io.Writer) (*Logger, error) {
	if cfg.LogFile == "" && !cfg.Verbose {
		return Discard(), nil
	}

	w := stderr
	var closer io.Closer

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		w = f
		closer = f
	}

	logger := &log.Logger{
		Handler: NewHandler(cfg.LogFormat, w),
		Level:   log.DebugLevel,
	}

	// Every record carries the process id so interleaved runs can be told apart
	return &Logger{
		Interface: logger.WithField("pid", os.Getpid()),
		closer:    closer,
	}, nil
}

// Discard returns a logger that drops every record
func Discard() *Logger {
	return &Logger{
		Interface: &log.Logger{Handler: discard.New(), Level: log.FatalLevel},
	}
}

// Wrap adapts an existing apex logger, used by tests with the memory handler
func Wrap(l log.Interface) *Logger {
	return &Logger{Interface: l}
}

// NewHandler returns the apex handler for a log format
func NewHandler(format string, w io.Writer) log.Handler {
	switch format {
	case "json":
		return jsonhandler.New(w)
	case "text":
		return text.New(w)
	default:
		return logfmt.New(w)
	}
}
