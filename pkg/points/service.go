package points

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the transactional engine over a Store: ledger writes,
// the wallet/escrow state machine, and the reservation engine.
type Service struct {
	store        Store
	nowFn        func() int64
	authorizer   *SettlementAuthorizer
	logger       OperationLogger
	cache        ResultCache
	lockAttempts int
	lockBackoff  time.Duration
}

// NewService wires a Service. The authorizer guards settle/refund/partial-settle.
func NewService(store Store, now func() int64, authorizer *SettlementAuthorizer, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if authorizer == nil {
		return nil, fmt.Errorf("%w: authorizer dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		authorizer:   authorizer,
		lockAttempts: defaultLockAttempts,
		lockBackoff:  defaultLockBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetWallet returns the live balance record for an owner.
func (service *Service) GetWallet(ctx context.Context, ownerID OwnerID, ownerType OwnerType) (Wallet, error) {
	return service.store.GetOrCreateWallet(ctx, ownerID, ownerType)
}

// retryOnVersionConflict re-runs fn while it fails on a stale wallet version,
// doubling the backoff between attempts. The conflict surfaces once the
// budget is spent. Err(VersionConflict) is a value here, never control flow
// unwound through layers.
func (service *Service) retryOnVersionConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := service.lockBackoff
	var lastErr error
	for attempt := 0; attempt < service.lockAttempts; attempt++ {
		lastErr = fn(ctx)
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
