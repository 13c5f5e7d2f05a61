package scanner

import (
	"amqpav/internal/cache"
	"amqpav/internal/logging"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CachedEngine serves repeated payloads from a verdict cache. Cache errors
// are logged and the engine is asked instead; engine errors are never cached.
type CachedEngine struct {
	engine Engine
	cache  cache.VerdictCache
	ttl    time.Duration
	logger logging.Logger
}

func NewCachedEngine(engine Engine, verdicts cache.VerdictCache, ttl time.Duration, logger logging.Logger) *CachedEngine {
	return &CachedEngine{
		engine: engine,
		cache:  verdicts,
		ttl:    ttl,
		logger: logger.With("component", "verdict_cache"),
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e *CachedEngine) Scan(ctx context.Context, data []byte) (Verdict, error) {
	key := digest(data)

	if v, found, err := e.cache.Get(ctx, key); err != nil {
		e.logger.Error("failed to read verdict cache", "error", err, "digest", key)
	} else if found {
		e.logger.Debug("verdict cache hit", "digest", key)
		return Verdict(v), nil
	}

	verdict, err := e.engine.Scan(ctx, data)
	if err != nil {
		return "", err
	}

	if err := e.cache.Set(ctx, key, string(verdict), e.ttl); err != nil {
		e.logger.Error("failed to write verdict cache", "error", err, "digest", key)
	}
	return verdict, nil
}
