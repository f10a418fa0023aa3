package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultLevel = "info"

// Init builds the process-wide zap logger at the given level and installs it
// as the global, so packages can log through zap.S().Named(...).
func Init(level string) error {
	if level == "" {
		level = DefaultLevel
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	zap.ReplaceGlobals(l)
	return nil
}
