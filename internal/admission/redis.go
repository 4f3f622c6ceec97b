package admission

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter shares counters between API replicas. INCR and PEXPIRE run in
// one MULTI/EXEC transaction so a key never outlives its window without a TTL.
type RedisCounter struct {
	client redis.Cmdable
}

func NewRedisCounter(client redis.Cmdable) (*RedisCounter, error) {
	if client == nil {
		return nil, errors.New("admission: redis client is required")
	}
	return &RedisCounter{client: client}, nil
}

// Increment implements Counter.
func (c *RedisCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
