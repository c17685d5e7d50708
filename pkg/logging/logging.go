// Package logging owns the process-wide zap logger.
//
// LOG_LEVEL=debug selects the development config; anything else uses the
// production JSON encoder. The standard library logger is redirected so that
// third-party log.Printf output ends up in the same stream.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Init initializes the global sugared logger. It is safe to call multiple times.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		level := strings.ToLower(os.Getenv("LOG_LEVEL"))
		var logger *zap.Logger
		var err error
		if level == "debug" {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
	})
	return sugar
}

// Sugar returns the global sugared logger, initializing it on first use.
func Sugar() *zap.SugaredLogger {
	return Init()
}

// Named returns a child logger scoped to a component, e.g. "capture".
func Named(component string) *zap.SugaredLogger {
	return Init().Named(component)
}

// Sync flushes buffered log entries. Call it before the process exits.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}
