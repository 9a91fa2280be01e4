package abuse

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares the sliding window across replicas with one sorted set
// per client, scored by request time in milliseconds.
type RedisGuard struct {
	client    redis.UniversalClient
	cfg       Config
	keyPrefix string
	now       func() time.Time
	seq       atomic.Uint64
}

// NewRedisGuard builds a Guard backed by client.
func NewRedisGuard(client redis.UniversalClient, cfg Config, keyPrefix string) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = "extractor:abuse:"
	}
	return &RedisGuard{
		client:    client,
		cfg:       cfg.withDefaults(),
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// Allow records the request and reports whether it fits in the window. A
// refused request is removed again so it does not extend the penalty.
func (g *RedisGuard) Allow(ctx context.Context, clientID string) (Decision, error) {
	key := g.keyPrefix + clientID
	now := g.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - g.cfg.Window.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(g.seq.Add(1), 10)

	pipe := g.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
	pipe.PExpire(ctx, key, g.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("abuse window %s: %w", clientID, err)
	}

	count := int(card.Val())
	decision := Decision{Limit: g.cfg.MaxRequests}
	if count < g.cfg.MaxRequests {
		decision.Allowed = true
		decision.Remaining = g.cfg.MaxRequests - count - 1
		return decision, nil
	}

	if err := g.client.ZRem(ctx, key, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("abuse window %s: undo refused request: %w", clientID, err)
	}
	oldest, err := g.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("abuse window %s: oldest entry: %w", clientID, err)
	}
	decision.RetryAfter = g.cfg.Window
	if len(oldest) == 1 {
		expires := time.UnixMilli(int64(oldest[0].Score)).Add(g.cfg.Window)
		decision.RetryAfter = expires.Sub(now)
	}
	return decision, nil
}
