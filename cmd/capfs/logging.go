package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jingkaihe/capfs/internal/errx"
)

// newLogger builds the process logger. Logs always go to stderr so they
// never mix with file contents written to stdout.
func newLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errx.With(ErrInvalidLogLevel, " %q", level)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, errx.Wrap(ErrBuildLogger, err)
	}
	return logger, nil
}
