package points

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultSweepBatch = 100

// Sweeper runs the periodic maintenance passes: expiring overdue
// reservations and purging aged idempotency records.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepBatch caps how many rows one pass touches per concern.
func WithSweepBatch(batchSize int) SweeperOption {
	return func(sweeper *Sweeper) {
		if batchSize > 0 {
			sweeper.batchSize = batchSize
		}
	}
}

// WithSweepLogger attaches a structured logger.
func WithSweepLogger(logger *zap.Logger) SweeperOption {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// NewSweeper wires a Sweeper over a Service.
func NewSweeper(service *Service, interval time.Duration, options ...SweeperOption) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be greater than zero", ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		service:   service,
		interval:  interval,
		batchSize: defaultSweepBatch,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Run sweeps on the configured interval until the context ends. An error in
// one pass is logged and the loop keeps going.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs both maintenance passes one time.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) {
	expired, err := sweeper.service.ExpireDueReservations(ctx, sweeper.batchSize)
	if err != nil {
		sweeper.logger.Error("reservation expiry pass failed", zap.Error(err))
	} else if expired > 0 {
		sweeper.logger.Info("reservations expired", zap.Int("count", expired))
	}

	purged, err := sweeper.service.store.PurgeExpiredIdempotencyRecords(ctx, sweeper.service.nowFn(), sweeper.batchSize)
	if err != nil {
		sweeper.logger.Error("idempotency purge pass failed", zap.Error(err))
	} else if purged > 0 {
		sweeper.logger.Info("idempotency records purged", zap.Int64("count", purged))
	}
}
