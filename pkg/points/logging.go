package points

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation      string
	OwnerID        OwnerID
	EscrowID       string
	ReservationID  string
	Amount         Points
	IdempotencyKey IdempotencyKey
	Scope          OperationScope
	Replayed       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithResultCache wires a best-effort lookaside for completed idempotency
// results. The store stays authoritative; cache failures are ignored.
func WithResultCache(cache ResultCache) ServiceOption {
	return func(service *Service) {
		service.cache = cache
	}
}

// WithLockRetry overrides the optimistic-lock retry budget and base backoff.
func WithLockRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.lockAttempts = attempts
		}
		if backoff > 0 {
			service.lockBackoff = backoff
		}
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger contract.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per operation. Potential abuse
// signals (authorization failures) log at warn.
func (zapLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	if zapLogger == nil || zapLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("owner_id", entry.OwnerID.String()),
		zap.Int64("amount_points", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("scope", entry.Scope.String()),
		zap.Bool("replayed", entry.Replayed),
		zap.String("status", entry.Status),
	}
	if entry.EscrowID != "" {
		fields = append(fields, zap.String("escrow_id", entry.EscrowID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Error == nil {
		zapLogger.logger.Info("points operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	if isAuthorizationFailure(entry.Error) {
		zapLogger.logger.Warn("points operation rejected", fields...)
		return
	}
	zapLogger.logger.Info("points operation failed", fields...)
}

func isAuthorizationFailure(err error) bool {
	return errors.Is(err, ErrInvalidAuthorization)
}
