// Package logging configures the structured logrus logger every component
// in this module accepts as a *logrus.Entry, and the stdout/stderr stream
// split the teacher's services use in containerized deployments.
package logging

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr when they carry
// "level=error" and to stdout otherwise, so orchestrators can treat the
// two streams differently.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Level is the set of supported minimum log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls New's logger construction.
type Config struct {
	Level     Level
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

// DefaultConfig returns text-format, info-level defaults.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "text"}
}

// New builds a logrus.Logger per cfg, wired to OutputSplitter, and returns
// its root *logrus.Entry tagged with the service name so every downstream
// component's WithField calls compose onto it.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(OutputSplitter{})

	entry := logrus.NewEntry(logger)
	if cfg.Service != "" {
		entry = entry.WithField("service", cfg.Service)
	}
	return entry
}
