package main

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
)

// createLogger builds the collector logger: JSON lines to stdout and to
// monitor.log in the output directory.
func createLogger(cfg config.Config) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(parseLevel(cfg.General.LogLevel))
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	if err := os.MkdirAll(cfg.General.OutputDir, 0700); err == nil {
		zc.OutputPaths = append(zc.OutputPaths, cfg.LogPath())
		zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, cfg.LogPath())
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// cliLogger is used by the read-side commands, which print their results to
// stdout; only warnings and errors reach stderr.
func cliLogger() *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	zc.Encoding = "console"
	zc.OutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}
