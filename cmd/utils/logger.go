package utils

import (
	"context"
	"fmt"
	"log"
	"os"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// StandardLogger is the zap logger used by the binaries. Library packages
// log through pkg/logger; see ComponentLogger.
type StandardLogger struct {
	*zap.Logger
}

func (l *StandardLogger) Infof(format string, args ...any) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *StandardLogger) Errorf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *StandardLogger) Warnf(format string, args ...any) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *StandardLogger) Fatalf(format string, args ...any) {
	l.Fatal(fmt.Sprintf(format, args...))
}

func (l *StandardLogger) Debug(msg string, keysAndValues ...any) {
	l.Logger.Debug(msg, convertToZapFields(keysAndValues)...)
}

func (l *StandardLogger) Info(msg string, keysAndValues ...any) {
	l.Logger.Info(msg, convertToZapFields(keysAndValues)...)
}

func (l *StandardLogger) Warn(msg string, keysAndValues ...any) {
	l.Logger.Warn(msg, convertToZapFields(keysAndValues)...)
}

func (l *StandardLogger) Error(msg string, keysAndValues ...any) {
	l.Logger.Error(msg, convertToZapFields(keysAndValues)...)
}

func (l *StandardLogger) Fatal(msg string, keysAndValues ...any) {
	l.Logger.Fatal(msg, convertToZapFields(keysAndValues)...)
}

// IntegerLevelEncoder returns custom encoder for level field.
func IntegerLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendInt8((int8(l) + 3) * 10)
}

var AppLogger *StandardLogger = NewLogger()

// NewLogger creates a new application logger.
func NewLogger() *StandardLogger {
	var cfg zap.Config
	outputLevel := zap.InfoLevel
	if levelEnv := GetConfig().LogLevel; levelEnv != "" {
		levelFromEnv, err := zapcore.ParseLevel(levelEnv)
		if err != nil {
			log.Println(fmt.Errorf("invalid level, defaulting to INFO: %w", err))
		} else {
			outputLevel = levelFromEnv
		}
	}

	if os.Getenv("DGN") != "local" {
		cfg = zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stdout"}
		cfg.InitialFields = map[string]any{"name": "fam.service." + GetConfig().Name}
		cfg.EncoderConfig.EncodeLevel = IntegerLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.TimeKey = "time"
		cfg.Level = zap.NewAtomicLevelAt(outputLevel)
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return &StandardLogger{Logger: logger}
}

// GetAppLogger returns the global application logger.
func GetAppLogger() *StandardLogger {
	return AppLogger
}

// GetChildLogger creates a child logger with contextual fields.
func GetChildLogger(parent *StandardLogger, childContext map[string]string) *StandardLogger {
	zapFields := make([]zap.Field, 0, len(childContext))
	for k, v := range childContext {
		zapFields = append(zapFields, zap.String(k, v))
	}
	return &StandardLogger{Logger: parent.With(zapFields...)}
}

// GetLogger returns the logger from context or the default app logger.
func GetLogger(ctx context.Context) *StandardLogger {
	if l, ok := ctx.Value(ctxKey{}).(*StandardLogger); ok {
		return l
	} else if l := AppLogger; l != nil {
		return l
	}
	return &StandardLogger{Logger: zap.NewNop()}
}

// LoggerWithCtx returns a new context with the given logger attached.
func LoggerWithCtx(ctx context.Context, l *StandardLogger) context.Context {
	if lp, ok := ctx.Value(ctxKey{}).(*StandardLogger); ok {
		if lp == l {
			return ctx
		}
	}
	return context.WithValue(ctx, ctxKey{}, l)
}

// ComponentLogger builds the structured logger handed to library packages.
func ComponentLogger(component string) *logger.Logger {
	return logger.New(logger.Config{
		Level:      GetConfig().LogLevel,
		WithCaller: os.Getenv("DGN") == "local",
		Component:  component,
	})
}

func convertToZapFields(keysAndValues []any) []zap.Field {
	var fields []zap.Field
	length := len(keysAndValues)
	for i := 0; i < length; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		var val any
		if i+1 < length {
			val = keysAndValues[i+1]
		} else {
			val = "<missing>"
		}
		fields = append(fields, zap.Any(key, val))
	}
	return fields
}
