// Package dlog wires the dispatch core's diagnostics to logiface, the
// structured logging facade used throughout the panvc3 dispatch stack,
// backed by zerolog.
package dlog

import (
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is logiface's generic Logger instantiated with izerolog's event
// type, as used by the dispatch packages. Aliased here so callers never
// need to spell out the event type.
type Logger = logiface.Logger[*izerolog.Event]

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *Logger {
	z := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(z),
		logiface.WithLevel[*izerolog.Event](logiface.LevelInformational),
	)
}

// Set replaces the package-wide default logger. Passing nil restores a
// console logger writing to stderr at info level.
func Set(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = newDefault()
	}
	current = l
}

// Get returns the current package-wide logger. Safe for concurrent use.
func Get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
