package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is the package-wide structured logger. Defaults to a production
// zap logger; replace via SetLogger before wiring components.
var Logger = newDefault()

var mu sync.Mutex

func newDefault() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger swaps the package logger, e.g. for zaptest in unit tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		Logger = l
	}
}

// Named returns a child logger scoped to a component name.
func Named(name string) *zap.Logger {
	return Logger.Named(name)
}
