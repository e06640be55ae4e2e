package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the application-wide logger.
var Logger *zap.Logger

var level = zap.NewAtomicLevelAt(zap.DebugLevel)

// componentNameKey is a context key for storing the component name.
type componentNameKeyType string

const componentNameKey componentNameKeyType = "componentName"

func init() {
	// Configure development logger
	config := zap.NewDevelopmentConfig()
	config.Level = level
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Add color to level output
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	var err error
	Logger, err = config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(Logger) // Set as global logger
}

// SetLevel changes the minimum enabled level, e.g. "info" or "warn".
func SetLevel(name string) error {
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// getComponentNameFromContext extracts the component name from the context.
func getComponentNameFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if name, ok := ctx.Value(componentNameKey).(string); ok {
		return name
	}
	return ""
}

// WithComponentName creates a new context with the component name set.
// Modules and services use it so their log lines carry their name.
func WithComponentName(ctx context.Context, componentName string) context.Context {
	return context.WithValue(ctx, componentNameKey, componentName)
}

// Named returns a child of the application logger, e.g. "modules.Calc".
func Named(name string) *zap.Logger {
	return Logger.Named(name)
}

func withComponent(ctx context.Context, fields []zap.Field) []zap.Field {
	if name := getComponentNameFromContext(ctx); name != "" {
		return append(fields, zap.String("component", name))
	}
	return fields
}

// Info logs at info level, tagging the component carried by ctx.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Info(msg, withComponent(ctx, fields)...)
}

// Warn logs at warn level, tagging the component carried by ctx.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Warn(msg, withComponent(ctx, fields)...)
}

// Error logs at error level, tagging the component carried by ctx.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Error(msg, withComponent(ctx, fields)...)
}

// Fatal logs at fatal level and exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Fatal(msg, withComponent(ctx, fields)...)
}

// Debug logs at debug level, tagging the component carried by ctx.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Debug(msg, withComponent(ctx, fields)...)
}

// SetLogger allows external packages to set the internal zap.Logger instance.
// This is primarily for testing purposes or advanced logger re-configuration.
func SetLogger(l *zap.Logger) {
	Logger = l
}
