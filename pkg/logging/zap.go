package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "console", "json"
	File   string `yaml:"file"`   // optional file tee, stdout is always written
	Caller bool   `yaml:"caller"`
}

func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
	}
}

// NewZapLogger builds the process-wide zap logger.
// Every sink is wrapped in a single zapcore.Lock so interleaved lines from the
// monitor goroutine and the step sequence stay whole.
func NewZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, errors.NewValidationError("invalid log level", err).WithContext("level", config.Level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LevelKey = "level"

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, errors.NewValidationError("invalid log format", nil).WithContext("format", config.Format)
	}

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if config.File != "" {
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.NewIOError("failed to open log file", err).WithContext("file", config.File)
		}
		syncers = append(syncers, zapcore.AddSync(file))
	}
	writeSyncer := zapcore.Lock(zapcore.NewMultiWriteSyncer(syncers...))

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(3))
	}

	return zap.New(core, opts...), nil
}

// FromZap adapts a zap logger to Logger
func FromZap(z *zap.Logger, prefix string) Logger {
	sugar := z.Sugar()
	return NewLogger(prefix, LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			switch level {
			case LogLevelDebug:
				sugar.Debugf(format, args...)
			case LogLevelInfo:
				sugar.Infof(format, args...)
			case LogLevelWarn:
				sugar.Warnf(format, args...)
			case LogLevelError:
				sugar.Errorf(format, args...)
			default:
				sugar.Infof(fmt.Sprintf("[level %d] ", level)+format, args...)
			}
		},
	})
}
