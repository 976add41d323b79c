package common

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

const serviceName = "hybrid-cdc"

// NewLogger builds the process logger directly from configuration.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	lc, err := NewLoggerCore(cfg)
	if err != nil {
		return nil, err
	}
	return lc.BuildLogger(lc.Core), nil
}

func GetVersion() string {
	if version := os.Getenv("HYBRID_CDC_VERSION"); version != "" {
		return version
	}
	return "dev"
}

func LoggerWithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// LoggerCore is an unbuilt logger so the core can be wrapped (New Relic log
// forwarding) before the final logger is created.
type LoggerCore struct {
	Core          zapcore.Core
	EncoderCfg    zapcore.EncoderConfig
	Level         zapcore.Level
	InitialFields map[string]interface{}
}

func NewLoggerCore(cfg *config.LoggingConfig) (*LoggerCore, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"

	encoder := zapcore.NewJSONEncoder(encoderCfg)
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	writer, err := openLogOutput(cfg)
	if err != nil {
		return nil, err
	}

	return &LoggerCore{
		Core:       zapcore.NewCore(encoder, writer, level),
		EncoderCfg: encoderCfg,
		Level:      level,
		InitialFields: map[string]interface{}{
			"service": serviceName,
			"version": GetVersion(),
		},
	}, nil
}

func openLogOutput(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if cfg.MaxSize > 0 || cfg.MaxBackups > 0 || cfg.MaxAge > 0 {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		}), nil
	}

	file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// BuildLogger creates the logger from core, which may be a wrapped version of lc.Core.
func (lc *LoggerCore) BuildLogger(core zapcore.Core) *zap.Logger {
	fields := make([]zap.Field, 0, len(lc.InitialFields))
	for k, v := range lc.InitialFields {
		fields = append(fields, zap.Any(k, v))
	}
	return zap.New(core, zap.AddCaller()).With(fields...)
}
