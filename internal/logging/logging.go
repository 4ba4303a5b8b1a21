// Package logging configures logrus for the service processes and provides
// the structured event stream used to trace domain state changes.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Event outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeAbsorbed = "absorbed" // uniqueness race resolved as success
	OutcomeNoop     = "noop"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Setup configures the global logrus logger. format is "json" or "text".
func Setup(level, format string) {
	logrus.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// For returns a logger tagged with the component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Event emits one entry of the domain event stream. kind names what happened
// (e.g. "match.created"), outcome is one of the Outcome constants and fields
// carry the entity ids involved.
func Event(kind, outcome string, fields logrus.Fields) {
	entry := logrus.WithFields(fields).WithField("event", kind).WithField("outcome", outcome)
	if outcome == OutcomeFailed {
		entry.Warn("event")
		return
	}
	entry.Info("event")
}
