// Package logging wraps zap with the context conventions of the chat
// backend: handlers stash the correlation id, user id and room on the
// request context, and every log line emitted under that context is tagged
// with them automatically.
package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "chat-server"

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

// Context keys recognized by the wrapper. The correlation id is set by the
// HTTP middleware; the realtime core adds the user id when a connection
// authenticates and the room during dispatch.
const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	RoomKey          contextKey = "room"
)

// Initialize builds the process logger. level is the LOG_LEVEL value
// ("debug", "info", "warn", "error"); unparseable levels fall back to info.
// Only the first call takes effect.
func Initialize(development bool, level string) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if lvl, perr := zapcore.ParseLevel(level); perr == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}

		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the process logger, or a development fallback when
// called before Initialize (tests, package init).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, withContext(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, withContext(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, withContext(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, withContext(ctx, fields)...)
}

// withContext appends the recognized context tags plus the service name.
func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx != nil {
		for _, key := range []contextKey{CorrelationIDKey, UserIDKey, RoomKey} {
			if val, ok := ctx.Value(key).(string); ok {
				fields = append(fields, zap.String(string(key), val))
			}
		}
	}
	return append(fields, zap.String("service", serviceName))
}

// RedactEmail masks the local part of an email address for log output.
// Anything without a usable local part is fully masked.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return "***" + email[at:]
	}
	return "***"
}
