package log

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if err := Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")); err != nil {
		logger.Warnf("Ignoring logging configuration: %v", err)
	}
}

// Configure sets the level (DEBUG, INFO, WARN, ERROR; default INFO) and the format
// ("text" or "json"; default text) of the shared logger.
func Configure(level, format string) error {
	switch strings.ToUpper(level) {
	case "":
		logger.SetLevel(logrus.InfoLevel) // Default level; adjustable
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "INFO":
		logger.SetLevel(logrus.InfoLevel)
	case "WARN", "WARNING":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		return errors.Errorf("unknown log level %q", level)
	}

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetOutput redirects the shared logger, e.g. to io.Discard in tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// WithWorkflow returns an entry tagged with the workflow id.
func WithWorkflow(workflowID string) *logrus.Entry {
	return logger.WithField("workflow_id", workflowID)
}
