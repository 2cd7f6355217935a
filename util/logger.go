package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevelFromEnv reads LOG_LEVEL as a numeric zapcore level (-1 debug,
// 0 info, 1 warn, 2 error). Unset or unparseable means info.
func logLevelFromEnv() zapcore.Level {
	raw, err := strconv.Atoi(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return zapcore.InfoLevel
	}
	return zapcore.Level(raw)
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevelFromEnv())
	cfg.EncoderConfig.CallerKey = "ln"
	cfg.EncoderConfig.FunctionKey = ""
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}

	return cfg.Build()
}

// NewLogger builds the process logger, installs it as the zap global, and
// returns it with a teardown func that restores the previous global and
// flushes buffered entries. Channel packages wrap it through KVLogger.
func NewLogger() (*zap.Logger, func()) {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
