// Package logutil wraps go-log loggers with a cheap probe for whether
// debug output is enabled, so hot paths can skip expensive formatting.
package logutil

import (
	logging "github.com/ipfs/go-log"
	"go.uber.org/zap"
)

type Logger struct {
	*logging.ZapEventLogger
	unsugared *zap.Logger
}

// IsDebug reports whether this logger currently emits debug entries.
func (l *Logger) IsDebug() bool {
	return l.unsugared.Check(zap.DebugLevel, "debug log") != nil
}

func CreateLogger(name string) *Logger {
	logger := logging.Logger(name)
	return &Logger{logger, logger.Desugar()}
}
