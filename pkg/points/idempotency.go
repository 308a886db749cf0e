package points

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// CachedResult is a completed operation outcome held by a lookaside cache.
type CachedResult struct {
	RequestHash string
	Body        []byte
}

// ResultCache is an optional, best-effort accelerator in front of the
// store's idempotency records. It is safe to omit entirely.
type ResultCache interface {
	GetResult(ctx context.Context, key IdempotencyKey, scope OperationScope) (CachedResult, bool)
	StoreResult(ctx context.Context, key IdempotencyKey, scope OperationScope, result CachedResult)
}

// HashPayload produces the request fingerprint used to detect a reused key
// with a different payload.
func HashPayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// runIdempotent executes one logical operation exactly once per (key, scope).
// The pair is claimed with a started record before execute runs; while the
// claim stands, duplicates see ErrOperationInFlight. The record is completed
// inside the same transaction as the operation's writes, a failed execute
// releases the claim, and a claim orphaned by a crashed writer is bounded by
// the record TTL. A reused pair with an identical payload returns the cached
// body; a different payload is a hard conflict, never a silent overwrite.
func (service *Service) runIdempotent(ctx context.Context, key IdempotencyKey, scope OperationScope, payloadHash string, execute func(ctx context.Context, txStore Store) ([]byte, error)) ([]byte, bool, error) {
	if cached, ok := service.cacheLookup(ctx, key, scope); ok {
		if cached.RequestHash == payloadHash {
			return cached.Body, true, nil
		}
		// Stale or mismatched cache content is ignored; the store decides.
	}

	record, found, err := service.store.GetIdempotencyRecord(ctx, key, scope)
	if err != nil {
		return nil, false, err
	}
	if found {
		return replayIdempotencyRecord(record, payloadHash)
	}

	nowUnixUTC := service.nowFn()
	claimErr := service.store.CreateIdempotencyRecord(ctx, IdempotencyRecord{
		Key:              key,
		Scope:            scope,
		RequestHash:      payloadHash,
		Status:           IdempotencyStatusStarted,
		ExpiresAtUnixUTC: nowUnixUTC + int64(defaultRecordTTL.Seconds()),
		CreatedUnixUTC:   nowUnixUTC,
	})
	if errors.Is(claimErr, ErrIdempotencyRace) {
		// A concurrent writer claimed the pair first. Serve its result, or
		// report it in flight if it has not committed yet.
		record, found, err := service.store.GetIdempotencyRecord(ctx, key, scope)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, ErrOperationInFlight
		}
		return replayIdempotencyRecord(record, payloadHash)
	}
	if claimErr != nil {
		return nil, false, claimErr
	}

	var body []byte
	executeErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		result, err := execute(ctx, txStore)
		if err != nil {
			return err
		}
		body = result
		return txStore.UpdateIdempotencyRecord(ctx, key, scope, IdempotencyStatusSucceeded, body)
	})
	if executeErr != nil {
		if releaseErr := service.store.DeleteIdempotencyRecord(ctx, key, scope); releaseErr != nil {
			return nil, false, errors.Join(executeErr, releaseErr)
		}
		return nil, false, executeErr
	}
	service.cacheStore(ctx, key, scope, CachedResult{RequestHash: payloadHash, Body: body})
	return body, false, nil
}

func replayIdempotencyRecord(record IdempotencyRecord, payloadHash string) ([]byte, bool, error) {
	if record.RequestHash != payloadHash {
		return nil, false, ErrIdempotencyConflict
	}
	if record.Status != IdempotencyStatusSucceeded {
		return nil, false, ErrOperationInFlight
	}
	return record.ResponseBody, true, nil
}

// runIdempotentGuarded layers the optimistic-lock retry loop around
// runIdempotent; a version conflict aborts the whole transaction and re-runs it.
func (service *Service) runIdempotentGuarded(ctx context.Context, key IdempotencyKey, scope OperationScope, payloadHash string, execute func(ctx context.Context, txStore Store) ([]byte, error)) ([]byte, bool, error) {
	var body []byte
	var replayed bool
	operationError := service.retryOnVersionConflict(ctx, func(ctx context.Context) error {
		resultBody, resultReplayed, err := service.runIdempotent(ctx, key, scope, payloadHash, execute)
		if err != nil {
			return err
		}
		body, replayed = resultBody, resultReplayed
		return nil
	})
	if operationError != nil {
		return nil, false, operationError
	}
	return body, replayed, nil
}

func (service *Service) cacheLookup(ctx context.Context, key IdempotencyKey, scope OperationScope) (CachedResult, bool) {
	if service.cache == nil {
		return CachedResult{}, false
	}
	return service.cache.GetResult(ctx, key, scope)
}

func (service *Service) cacheStore(ctx context.Context, key IdempotencyKey, scope OperationScope, result CachedResult) {
	if service.cache == nil {
		return
	}
	service.cache.StoreResult(ctx, key, scope, result)
}
