package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const envLogLevel = "GRADFLOW_LOG_LEVEL"

// NewLogger creates a structured JSON logger writing to w at the level
// named by GRADFLOW_LOG_LEVEL (default info).
func NewLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{})

	level := logrus.InfoLevel
	if v := os.Getenv(envLogLevel); v != "" {
		if parsed, err := logrus.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)
	return logger
}
