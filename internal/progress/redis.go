package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/model"
)

const redisKeyPrefix = "adlens:progress:"

// RedisChannel backs the progress channel with Redis: the latest tuple
// lives in a TTL'd key, change notification rides Redis pub/sub. Multiple
// server processes can publish and subscribe against the same job id.
type RedisChannel struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a RedisChannel and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, ttl time.Duration) (*RedisChannel, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "progress: redis ping")
	}
	return &RedisChannel{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisChannel) Publish(ctx context.Context, jobID string, payload model.ProgressPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "progress: marshal payload")
	}

	key := redisKeyPrefix + jobID
	// SET refreshes the TTL on every write so the entry outlives any
	// single stage.
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return eris.Wrapf(err, "progress: set %s", key)
	}
	if err := c.rdb.Publish(ctx, key, data).Err(); err != nil {
		return eris.Wrapf(err, "progress: publish %s", key)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressPayload, func(), error) {
	key := redisKeyPrefix + jobID
	sub := c.rdb.Subscribe(ctx, key)

	// Force the subscription onto the wire before priming with the current
	// value, so no update can slip between the two.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, eris.Wrapf(err, "progress: subscribe %s", key)
	}

	out := make(chan model.ProgressPayload, 1)

	if current, err := c.Current(ctx, jobID); err == nil && current != nil {
		out <- *current
	}

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var p model.ProgressPayload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				zap.L().Warn("progress: bad payload on channel",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
				continue
			}
			select {
			case out <- p:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- p:
				default:
				}
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (c *RedisChannel) Current(ctx context.Context, jobID string) (*model.ProgressPayload, error) {
	data, err := c.rdb.Get(ctx, redisKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "progress: get %s", jobID)
	}
	var p model.ProgressPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "progress: unmarshal current")
	}
	return &p, nil
}

func (c *RedisChannel) Close() error {
	return c.rdb.Close()
}
