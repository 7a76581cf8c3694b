package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisBus publishes and subscribes through Redis pub/sub so several
// processes can share one event stream.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a RedisBus.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe uses PSUBSCRIBE when the pattern contains glob characters.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(pattern, "*?[") {
		ps = b.rdb.PSubscribe(ctx, pattern)
	} else {
		ps = b.rdb.Subscribe(ctx, pattern)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", pattern, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var (
	_ Publisher  = (*RedisBus)(nil)
	_ Subscriber = (*RedisBus)(nil)
)

// MarketCache holds rendered market documents for the read endpoints.
type MarketCache interface {
	Get(ctx context.Context, marketID string) ([]byte, bool, error)
	Set(ctx context.Context, marketID string, doc []byte) error
	Invalidate(ctx context.Context, marketID string) error
}

// NopMarketCache caches nothing.
type NopMarketCache struct{}

func (NopMarketCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopMarketCache) Set(context.Context, string, []byte) error         { return nil }
func (NopMarketCache) Invalidate(context.Context, string) error          { return nil }

// RedisMarketCache stores each market document in a hash field with a TTL.
//
// Key schema:
//
//	predex:market:{id} - hash with field "data"
type RedisMarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMarketCache creates a RedisMarketCache.
func NewRedisMarketCache(rdb *redis.Client, ttl time.Duration) *RedisMarketCache {
	return &RedisMarketCache{rdb: rdb, ttl: ttl}
}

func marketCacheKey(id string) string { return "predex:market:" + id }

func (c *RedisMarketCache) Get(ctx context.Context, marketID string) ([]byte, bool, error) {
	doc, err := c.rdb.HGet(ctx, marketCacheKey(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get market %s: %w", marketID, err)
	}
	return doc, true, nil
}

func (c *RedisMarketCache) Set(ctx context.Context, marketID string, doc []byte) error {
	key := marketCacheKey(marketID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", doc)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", marketID, err)
	}
	return nil
}

func (c *RedisMarketCache) Invalidate(ctx context.Context, marketID string) error {
	if err := c.rdb.Del(ctx, marketCacheKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", marketID, err)
	}
	return nil
}

var (
	_ MarketCache = NopMarketCache{}
	_ MarketCache = (*RedisMarketCache)(nil)
)
