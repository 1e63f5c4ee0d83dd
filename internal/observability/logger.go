// Package observability adapts ledger and generation events to zap and Prometheus.
package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

// ZapOperationLogger writes ledger operations to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if orderID := entry.OrderID.String(); orderID != "" {
		fields = append(fields, zap.String("order_id", orderID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
