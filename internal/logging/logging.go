// Package logging wires the process-wide zap logger and the NDJSON
// append-only history writers used for ingest/fanout/task-queue/retention
// event trails.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger in production JSON config, dropping to debug
// level when verbose is set. Grounded on cmd/nerd/main.go's zap bring-up.
func New(verbose bool, jsonFormat bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if !jsonFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
