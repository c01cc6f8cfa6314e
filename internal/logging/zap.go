// Package logging builds the zap loggers shared by the sitesync binaries.
package logging

import (
	"go.uber.org/zap"
)

// New returns a production JSON logger for env "prod" and a development
// console logger otherwise.
func New(env string) (*zap.Logger, error) {
	switch env {
	case "prod":
		return zap.NewProduction()
	default:
		return zap.NewDevelopment()
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
