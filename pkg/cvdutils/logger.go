// Package cvdutils collects the small helpers shared by every other cvd
// package: path normalization, id-grammar validation, host-artifact
// binary lookup, and the process-wide logger. Most functions here have no
// side effects besides logging; ResolveBinary is the exception, since it
// runs the helper binary it probes and caches the outcome in a
// package-level map.
package cvdutils

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// originalLoggerLevel is the default log level. cvd defaults to 'Warn'
// rather than logrus's default of 'Info', which is too noisy for a
// foreground CLI tool.
var originalLoggerLevel = logrus.WarnLevel

var cvdLog = logrus.NewEntry(logrus.New())

// SetLogger installs the logger used by every cvdutils call site and
// records level as the level later NewRootLogger calls start from.
func SetLogger(logger *logrus.Entry, level logrus.Level) {
	originalLoggerLevel = level
	cvdLog = logger.WithField("source", "cvdutils")
}

// Logger returns the package-level logger.
func Logger() *logrus.Entry {
	return cvdLog
}

// NewRootLogger builds the process-wide logrus.Logger from the --log and
// --log-format flags, mirroring the two-value ("text"/"json") format
// switch the rest of the fleet tooling in this family exposes.
func NewRootLogger(logPath, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Level = originalLoggerLevel

	switch format {
	case "json":
		logger.Formatter = &logrus.JSONFormatter{}
	case "text", "":
		logger.Formatter = &logrus.TextFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}

	if logPath == "" || logPath == "/dev/null" {
		logger.Out = io.Discard
		return logger, nil
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logger.Out = f

	return logger, nil
}
