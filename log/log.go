// Package log provides the transport's global logging toggle: structured
// log emission to a host-provided sink, disabled (discarded) by default.
package log

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	base = newDiscardLogger()
)

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Base returns the package-level logger. Connection and Listener always log
// through it; neither accepts a logger of its own.
func Base() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

// Enable flips the global toggle on, directing the base logger's output to
// out at the given level. Call Enable(io.Discard, ...) to silence again.
func Enable(out io.Writer, level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(out)
	base.SetLevel(level)
}
