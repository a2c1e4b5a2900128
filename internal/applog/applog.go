// Package applog implements spec.md §7's "the core never prints to
// standard streams; logs go to .anima/logs/anima.log only."
//
// Grounded on steveyegge/gastown's internal/daemon.New: a plain
// log.New(file, "", log.LstdFlags) writing to an explicitly-opened file,
// here wrapped with gopkg.in/natefinch/lumberjack.v2 for rotation —
// gastown lists lumberjack in its own go.mod for exactly this purpose
// even though its daemon writes to an unrotated file; Anima completes
// that wiring since a long-running desktop-resident supervisor is
// exactly lumberjack's use case.
package applog

import (
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation parameters for .anima/logs/anima.log. A desktop-resident
// supervisor runs indefinitely, so unlike a one-shot CLI invocation its
// log needs a cap.
const (
	maxSizeMB    = 10
	maxBackups   = 5
	maxAgeDays   = 30
)

// New opens (creating parent directories as needed) a rotating logger at
// path and returns a *log.Logger writing to it with the standard
// date/time prefix, matching gastown's log.LstdFlags convention.
func New(path string) (*log.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	return log.New(writer, "", log.LstdFlags), nil
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output but still need a non-nil *log.Logger.
func Discard() *log.Logger {
	return log.New(discardWriter{}, "", 0)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
