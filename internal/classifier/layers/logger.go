package layers

import (
	"sync"

	"github.com/tphakala/pulsecheck/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the layers backend logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("classifier").Module("layers")
	})
	return serviceLogger
}
