// Package oplog adapts arena operation callbacks to structured zap logs.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	messageOperation  = "arena operation"
	operationNotify   = "notify"
	operationAuditLog = "audit_log"
)

// ZapLogger implements arena.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes one entry per operation; failures are logged at error level.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry arena.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.MatchID.IsZero() {
		fields = append(fields, zap.String("match_id", entry.MatchID.String()))
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.AdminID.IsZero() {
		fields = append(fields, zap.String("admin_id", entry.AdminID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.State != "" {
		fields = append(fields,
			zap.String("state", string(entry.State)),
			zap.Int("refunded", entry.Refunded),
			zap.Int("failed", entry.Failed),
		)
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		level = failureLevel(entry.Operation)
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(level, messageOperation, fields...)
}

// Notification and audit writes are best-effort and never fail the caller.
func failureLevel(operation string) zapcore.Level {
	switch operation {
	case operationNotify, operationAuditLog:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
