package bootstrap

import (
	"fmt"
	"os"

	"eventd/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. format "console" gives colored
// human-readable output, "json" gives one JSON object per line.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from configFile (or the default search
// paths when empty). Errors are also printed to stderr since the logger
// depends on the configuration.
func InitConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LogConfig logs the effective configuration
func LogConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if used := viper.ConfigFileUsed(); used != "" {
		sugar.Infow("Config file loaded", "file", used)
	} else {
		sugar.Info("No config file found, using defaults and env vars")
	}

	sugar.Infow("Endpoint configuration",
		"path", cfg.Endpoint.Path,
		"max_frame_size", cfg.Endpoint.MaxFrameSize,
		"socket_mode", cfg.Endpoint.SocketMode,
		"rate_limit", cfg.Endpoint.RateLimit)
	sugar.Infow("Pipeline configuration",
		"queue_capacity", cfg.Queue.Capacity,
		"workers", cfg.Consumer.Workers,
		"sink", cfg.Consumer.Sink,
		"dlq_enabled", cfg.DLQ.Enabled,
		"dlq_retention_days", cfg.DLQ.RetentionDays,
		"metrics_addr", cfg.Metrics.Addr)
}
