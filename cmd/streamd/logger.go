package main

import (
	"github.com/inteca/nuxeo/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func initLogger(cfg config.LoggingConfig, override string) (*zap.Logger, error) {
	level := cfg.Level
	if override != "" {
		level = override
	}

	var logLevel zap.AtomicLevel
	switch level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zc := zap.NewProductionConfig()
	zc.Level = logLevel
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	switch cfg.Output {
	case "stderr":
		zc.OutputPaths = []string{"stderr"}
	case "file":
		zc.OutputPaths = []string{cfg.OutputPath}
	default:
		zc.OutputPaths = []string{"stdout"}
	}

	return zc.Build()
}
