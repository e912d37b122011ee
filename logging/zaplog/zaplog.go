// Package zaplog plugs go.uber.org/zap into kin.Logger.
package zaplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	kin "github.com/AshkanYarmoradi/go-kin"
)

// Build creates a zap logger. "production" gives JSON at info level,
// anything else a colored development console.
func Build(environment, level string) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
}

// Logger adapts a zap logger. Key/value arguments become structured fields.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New wraps l.
func New(l *zap.Logger) *Logger {
	return &Logger{sugar: l.Sugar()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// With returns a logger that adds args to every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

var _ kin.Logger = (*Logger)(nil)
