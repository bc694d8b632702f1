// Package logging configures the process-wide logrus logger from the
// loaded configuration.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Setup applies the log level and output format. Production runs emit
// JSON lines; everything else gets a human-readable text format. An
// unknown level falls back to info rather than failing startup.
func Setup(level, environment string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)

	if environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
