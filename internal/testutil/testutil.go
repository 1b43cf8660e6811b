// Package testutil holds shared helpers for docunet tests.
package testutil

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// SilentLogger returns a logger that discards all output, for tests that do
// not assert on log lines.
func SilentLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

// WaitFor polls cond until it returns true or the timeout expires.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
