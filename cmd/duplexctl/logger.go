package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fesa6654/duplex/internal/config"
)

// logger adapts a logrus entry to duplex.Logger.
type logger struct {
	entry *logrus.Entry
	file  *os.File
}

// newLogger builds a logger from the log section of the config.
func newLogger(c config.LogConfig) (*logger, error) {
	l := logrus.New()
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, errors.Wrap(err, "parse log level")
		}
		l.SetLevel(level)
	}

	var file *os.File
	if c.Path != "" {
		f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", c.Path)
		}
		l.SetOutput(f)
		file = f
	}

	return &logger{entry: logrus.NewEntry(l), file: file}, nil
}

func (l *logger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *logger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *logger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l *logger) Error(msg string, args ...any) { l.with(args).Error(msg) }

// with turns slog-style key/value pairs into logrus fields.
func (l *logger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}

	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

// Close releases the log file, if any.
func (l *logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
