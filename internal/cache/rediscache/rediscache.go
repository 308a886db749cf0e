// Package rediscache is a best-effort lookaside for completed idempotency
// results. The relational store stays authoritative; every failure here is
// swallowed so a cache outage never affects correctness.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const keyPrefix = "points:result"

// Cache implements points.ResultCache over a Redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

type cachedPayload struct {
	RequestHash string `json:"request_hash"`
	Body        []byte `json:"body"`
}

// New wires a Cache. The TTL should not exceed the store's idempotency
// record retention, or the cache could outlive the authoritative record.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// GetResult returns the cached outcome for a (key, scope) pair, if present.
func (cache *Cache) GetResult(ctx context.Context, key points.IdempotencyKey, scope points.OperationScope) (points.CachedResult, bool) {
	raw, err := cache.client.Get(ctx, cacheKey(key, scope)).Bytes()
	if err == redis.Nil {
		return points.CachedResult{}, false
	}
	if err != nil {
		cache.logger.Warn("result cache read failed", zap.String("scope", scope.String()), zap.Error(err))
		return points.CachedResult{}, false
	}
	var payload cachedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		cache.logger.Warn("result cache entry corrupt", zap.String("scope", scope.String()), zap.Error(err))
		return points.CachedResult{}, false
	}
	return points.CachedResult{RequestHash: payload.RequestHash, Body: payload.Body}, true
}

// StoreResult caches a completed outcome for a (key, scope) pair.
func (cache *Cache) StoreResult(ctx context.Context, key points.IdempotencyKey, scope points.OperationScope, result points.CachedResult) {
	raw, err := json.Marshal(cachedPayload{RequestHash: result.RequestHash, Body: result.Body})
	if err != nil {
		cache.logger.Warn("result cache encode failed", zap.String("scope", scope.String()), zap.Error(err))
		return
	}
	if err := cache.client.Set(ctx, cacheKey(key, scope), raw, cache.ttl).Err(); err != nil {
		cache.logger.Warn("result cache write failed", zap.String("scope", scope.String()), zap.Error(err))
	}
}

func cacheKey(key points.IdempotencyKey, scope points.OperationScope) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope.String(), key.String())
}
