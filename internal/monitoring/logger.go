// Package monitoring carries the module-wide diagnostic logger. The logger
// defaults to a console zerolog writer and may be replaced or muted; tests
// mute it, the CLI installs a leveled logger from its flags.
package monitoring

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// Log returns the current package logger.
func Log() *zerolog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	return &l
}

// SetLogger replaces the package logger.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Mute discards all log output. Used by tests.
func Mute() {
	SetLogger(zerolog.New(io.Discard))
}
