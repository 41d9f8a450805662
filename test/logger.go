// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger discards output unless TEST_LOGS is set: 1 for info, 2 for
// debug, 3 for trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
