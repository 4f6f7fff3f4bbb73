// Package logging builds the structured logrus logger shared by the pool
// and pipeline packages (spec §2.1 "the expanded spec adopts logrus for
// every log line that names a key hash, a service, or a correlation id, so
// secrets never reach a log line and fields stay greppable").
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. env selects the formatter: "production"
// gets JSON (machine-parseable for a log pipeline), anything else gets the
// human-readable text formatter, mirroring how the teacher's bare `log`
// output was only ever meant for a terminal.
func New(env string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if env == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
