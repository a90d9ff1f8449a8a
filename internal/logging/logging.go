package logging

import (
	"github.com/sirupsen/logrus"
)

// New builds the service logger. Non-dev environments log JSON for
// aggregation; dev keeps the readable text formatter.
func New(level, environment string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if environment != "dev" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
